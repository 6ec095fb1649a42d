package storage

//Piece-to-file span arithmetic follows the shape of anacrolix's file storage,
//by way of the write/read-at loops over the file list.

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/stavrakis/seabit/metainfo"
)

//Layout maps the torrent's flat byte stream onto files under a save root.
//Files and parent directories are created lazily on first write; reads of
//missing or short files report io.ErrUnexpectedEOF.
type Layout struct {
	logger *log.Logger
	info   *metainfo.InfoDict
	root   string
	files  []fileEntry
	total  int64
}

type fileEntry struct {
	path string //absolute, sanitised
	off  int64
	len  int64
}

//Open builds the layout for info under saveRoot. No file is touched yet.
func Open(info *metainfo.InfoDict, saveRoot string, logger *log.Logger) *Layout {
	spans := info.FileSpans()
	files := make([]fileEntry, len(spans))
	for i, sp := range spans {
		parts := make([]string, len(sp.Path))
		for j, c := range sp.Path {
			parts[j] = sanitizeComponent(c)
		}
		files[i] = fileEntry{
			path: filepath.Join(append([]string{saveRoot}, parts...)...),
			off:  sp.Off,
			len:  sp.Len,
		}
	}
	return &Layout{
		logger: logger,
		info:   info,
		root:   saveRoot,
		files:  files,
		total:  info.TotalLength(),
	}
}

//sanitizeComponent replaces characters a host filesystem may reject with '_'.
//Path separators are always replaced so a component can never escape its
//directory.
func sanitizeComponent(c string) string {
	if c == "" || c == "." || c == ".." {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', 0:
			return '_'
		}
		if r < 0x20 {
			return '_'
		}
		return r
	}, c)
}

//WritePiece writes the verified bytes of piece i into every file the piece
//overlaps, syncing each before returning.
func (l *Layout) WritePiece(i int, data []byte) error {
	if len(data) != l.info.PieceLength(i) {
		return fmt.Errorf("storage: piece %d write of %d bytes, want %d", i, len(data), l.info.PieceLength(i))
	}
	return l.writeAt(data, int64(i)*int64(l.info.PieceLen))
}

func (l *Layout) writeAt(p []byte, off int64) error {
	for _, fe := range l.files {
		if off >= fe.len {
			off -= fe.len
			continue
		}
		n := int64(len(p))
		if n > fe.len-off {
			n = fe.len - off
		}
		if err := l.writeFileAt(fe, p[:n], off); err != nil {
			return err
		}
		p = p[n:]
		off = 0
		if len(p) == 0 {
			return nil
		}
	}
	if len(p) != 0 {
		return fmt.Errorf("storage: %d bytes extend past the end of the torrent", len(p))
	}
	return nil
}

func (l *Layout) writeFileAt(fe fileEntry, p []byte, off int64) error {
	if err := os.MkdirAll(filepath.Dir(fe.path), 0777); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	f, err := os.OpenFile(fe.path, os.O_WRONLY|os.O_CREATE, 0666)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	_, err = f.WriteAt(p, off)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("storage: write %s: %w", fe.path, err)
	}
	return nil
}

//ReadPiece reads back piece i; every byte must be present.
func (l *Layout) ReadPiece(i int) ([]byte, error) {
	data := make([]byte, l.info.PieceLength(i))
	if err := l.readAt(data, int64(i)*int64(l.info.PieceLen)); err != nil {
		return nil, err
	}
	return data, nil
}

func (l *Layout) readAt(p []byte, off int64) error {
	for _, fe := range l.files {
		if off >= fe.len {
			off -= fe.len
			continue
		}
		n := int64(len(p))
		if n > fe.len-off {
			n = fe.len - off
		}
		if err := l.readFileAt(fe, p[:n], off); err != nil {
			return err
		}
		p = p[n:]
		off = 0
		if len(p) == 0 {
			return nil
		}
	}
	if len(p) != 0 {
		return io.ErrUnexpectedEOF
	}
	return nil
}

func (l *Layout) readFileAt(fe fileEntry, p []byte, off int64) error {
	f, err := os.Open(fe.path)
	if os.IsNotExist(err) {
		return io.ErrUnexpectedEOF
	}
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer f.Close()
	if _, err = io.ReadFull(io.NewSectionReader(f, off, int64(len(p))), p); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	return nil
}

//ReadBlock fills p from the flat stream at off, for serving peer requests.
func (l *Layout) ReadBlock(p []byte, off int64) error {
	return l.readAt(p, off)
}

//VerifySizes reports whether every file exists with at least its final
//length. Short or missing files are diagnostic only; nothing is modified.
func (l *Layout) VerifySizes() bool {
	for _, fe := range l.files {
		st, err := os.Stat(fe.path)
		if err != nil || st.Size() < fe.len {
			return false
		}
	}
	return true
}

//HashPiece reads piece i from disk and compares it to the expected hash.
func (l *Layout) HashPiece(i int) bool {
	data, err := l.ReadPiece(i)
	if err != nil {
		return false
	}
	sum := sha1.Sum(data)
	return bytes.Equal(sum[:], l.info.PieceHash(i))
}

//Complete reports whether the data already on disk is the whole, correct
//torrent: sizes match and every piece hashes. Used for the straight-to-seeding
//shortcut when a finished torrent is restarted with the same save root.
func (l *Layout) Complete() bool {
	if !l.VerifySizes() {
		return false
	}
	for i := 0; i < l.info.NumPieces(); i++ {
		if !l.HashPiece(i) {
			if l.logger != nil {
				l.logger.Printf("piece %d on disk does not match its hash", i)
			}
			return false
		}
	}
	return true
}

//Root is the directory that Remove(deleteData) deletes: the torrent's own
//subdirectory for multi-file layouts, the single file otherwise.
func (l *Layout) Root() string {
	if len(l.files) == 1 && l.info.Files == nil {
		return l.files[0].path
	}
	return filepath.Join(l.root, sanitizeComponent(l.info.Name))
}
