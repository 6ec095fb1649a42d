package metainfo

import (
	"fmt"
	"io/ioutil"
	"net/url"

	"github.com/stavrakis/seabit/bencode"
)

//MetaInfo mirrors the top-level dictionary of a BEP-3 .torrent file.
type MetaInfo struct {
	Announce     string     `bencode:"announce" empty:"omit"`
	AnnounceList [][]string `bencode:"announce-list" empty:"omit"`
	Comment      string     `bencode:"comment" empty:"omit"`
	CreatedBy    string     `bencode:"created by" empty:"omit"`
	CreationDate int64      `bencode:"creation date" empty:"omit"`
	Encoding     string     `bencode:"encoding" empty:"omit"`
	Info         *InfoDict  `bencode:"info"`
	//trackers learned outside the file (magnet `tr` params)
	extraTrackers []string
}

//LoadMetainfoFile reads and parses a .torrent file.
func LoadMetainfoFile(filename string) (*MetaInfo, error) {
	data, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("load metainfo: %w", err)
	}
	return LoadMetainfoBytes(data)
}

//LoadMetainfoBytes parses the raw contents of a .torrent file and computes
//the info-hash over the exact bencoded info region.
func LoadMetainfoBytes(data []byte) (*MetaInfo, error) {
	var mi MetaInfo
	if err := bencode.Decode(data, &mi); err != nil {
		return nil, fmt.Errorf("load metainfo: %w", err)
	}
	if mi.Info == nil {
		return nil, fmt.Errorf("load metainfo: missing info dictionary")
	}
	if err := mi.Info.validate(); err != nil {
		return nil, fmt.Errorf("load metainfo: %w", err)
	}
	if err := mi.Info.setHash(data); err != nil {
		return nil, fmt.Errorf("load metainfo: %w", err)
	}
	return &mi, nil
}

//Bytes re-encodes the metainfo (e.g. to persist a .torrent file).
func (m *MetaInfo) Bytes() ([]byte, error) {
	return bencode.Encode(m)
}

//HaveInfo reports whether the full info dictionary is known. Magnet-derived
//metainfo carries only the hash until metadata arrives from elsewhere.
func (m *MetaInfo) HaveInfo() bool {
	return m.Info != nil && m.Info.Pieces != nil
}

//Trackers returns the deduplicated announce URLs of the torrent:
//announce-list tiers flattened, the single announce field, and any magnet
//trackers. URLs with schemes other than http, https and udp are dropped.
//When fewer than minTrackers remain, the built-in fallback set is appended.
func (m *MetaInfo) Trackers(minTrackers int) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(raw string) {
		if _, ok := seen[raw]; ok || raw == "" {
			return
		}
		u, err := url.Parse(raw)
		if err != nil {
			return
		}
		switch u.Scheme {
		case "http", "https", "udp":
		default:
			return
		}
		seen[raw] = struct{}{}
		out = append(out, raw)
	}
	add(m.Announce)
	for _, tier := range m.AnnounceList {
		for _, u := range tier {
			add(u)
		}
	}
	for _, u := range m.extraTrackers {
		add(u)
	}
	if len(out) < minTrackers {
		for _, u := range fallbackTrackers {
			add(u)
		}
	}
	return out
}
