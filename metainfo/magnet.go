package metainfo

import (
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const xtPrefix = "urn:btih:"

//ParseMagnet builds a metainfo from a magnet URI. Only the info-hash is
//mandatory; the result has no info dictionary beyond the hash, the display
//name and the optional exact length (`xl`), so HaveInfo() reports false. `ws` (web seeds) parameters
//are ignored.
func ParseMagnet(uri string) (*MetaInfo, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse magnet: %w", err)
	}
	if u.Scheme != "magnet" {
		return nil, fmt.Errorf("parse magnet: unexpected scheme %q", u.Scheme)
	}
	q := u.Query()
	xt := q.Get("xt")
	if !strings.HasPrefix(xt, xtPrefix) {
		return nil, fmt.Errorf("parse magnet: bad xt parameter %q", xt)
	}
	ihash, err := decodeInfoHash(xt[len(xtPrefix):])
	if err != nil {
		return nil, fmt.Errorf("parse magnet: %w", err)
	}
	info := &InfoDict{
		Name: q.Get("dn"),
		Hash: ihash,
	}
	if xl := q.Get("xl"); xl != "" {
		if n, err := strconv.ParseInt(xl, 10, 64); err == nil {
			info.Len = n
		}
	}
	return &MetaInfo{
		Info:          info,
		extraTrackers: q["tr"],
	}, nil
}

//BTIH hashes come hex (40 chars, any case) or RFC-4648 base32 (32 chars)
//encoded.
func decodeInfoHash(s string) (ihash [20]byte, err error) {
	var n int
	switch len(s) {
	case 40:
		n, err = hex.Decode(ihash[:], []byte(strings.ToLower(s)))
	case 32:
		n, err = base32.StdEncoding.Decode(ihash[:], []byte(strings.ToUpper(s)))
	default:
		return ihash, fmt.Errorf("info hash of length %d is neither hex nor base32", len(s))
	}
	if err != nil {
		return ihash, fmt.Errorf("decode info hash: %w", err)
	}
	if n != 20 {
		return ihash, fmt.Errorf("info hash decoded to %d bytes", n)
	}
	return ihash, nil
}
