package metainfo

import (
	"crypto/sha1"
	"errors"
	"fmt"

	"github.com/stavrakis/seabit/bencode"
)

const hashSize = 20

//InfoDict is the mandatory info dictionary of a torrent.
type InfoDict struct {
	Files    []File `bencode:"files" empty:"omit"`
	Len      int64  `bencode:"length" empty:"omit"`
	Name     string `bencode:"name"`
	PieceLen int    `bencode:"piece length"`
	Pieces   []byte `bencode:"pieces"`
	Private  int    `bencode:"private" empty:"omit"`
	//SHA-1 of the raw bencoded info region; computed once at load.
	Hash [20]byte `bencode:"-"`
}

//File is one entry of a multi-file torrent.
type File struct {
	Len  int64    `bencode:"length"`
	Path []string `bencode:"path"`
}

//FileSpan places a file inside the torrent's flat byte stream.
type FileSpan struct {
	Path []string
	Off  int64
	Len  int64
}

func (info *InfoDict) validate() error {
	if len(info.Pieces)%hashSize != 0 {
		return errors.New("piece hashes are not a multiple of 20 bytes")
	}
	if info.PieceLen <= 0 {
		return errors.New("non-positive piece length")
	}
	if info.Len != 0 && info.Files != nil {
		return errors.New("both length and files keys present")
	}
	for _, f := range info.Files {
		if len(f.Path) == 0 {
			return errors.New("file with empty path")
		}
	}
	return nil
}

func (info *InfoDict) setHash(metainfoData []byte) error {
	raw, ok, err := bencode.Get(metainfoData, "info")
	if err != nil {
		return fmt.Errorf("info hash: %w", err)
	}
	if !ok {
		return errors.New("info hash: no info key in dictionary")
	}
	info.Hash = sha1.Sum(raw)
	return nil
}

//TotalLength is the number of bytes described by the torrent.
func (info *InfoDict) TotalLength() (total int64) {
	if info.Files == nil {
		return info.Len
	}
	for _, f := range info.Files {
		total += f.Len
	}
	return
}

//NumPieces is the number of pieces, i.e. the number of 20-byte hashes.
func (info *InfoDict) NumPieces() int {
	return len(info.Pieces) / hashSize
}

//PieceHash returns the expected SHA-1 of piece i.
func (info *InfoDict) PieceHash(i int) []byte {
	return info.Pieces[i*hashSize : (i+1)*hashSize]
}

//PieceLength returns the length of piece i; only the last piece may be
//shorter than the nominal piece length.
func (info *InfoDict) PieceLength(i int) int {
	if i == info.NumPieces()-1 {
		if rem := info.TotalLength() % int64(info.PieceLen); rem != 0 {
			return int(rem)
		}
	}
	return info.PieceLen
}

//FileSpans lays the files over the flat stream with cumulative offsets.
//A single-file torrent yields one span at offset 0 whose path is the
//torrent's name.
func (info *InfoDict) FileSpans() []FileSpan {
	if info.Files == nil {
		return []FileSpan{{Path: []string{info.Name}, Off: 0, Len: info.Len}}
	}
	spans := make([]FileSpan, len(info.Files))
	var off int64
	for i, f := range info.Files {
		spans[i] = FileSpan{Path: append([]string{info.Name}, f.Path...), Off: off, Len: f.Len}
		off += f.Len
	}
	return spans
}
