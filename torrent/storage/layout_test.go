package storage

import (
	"crypto/sha1"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stavrakis/seabit/metainfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempDir(t *testing.T) string {
	td, err := ioutil.TempDir("", "seabit-storage")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(td) })
	return td
}

func multiFileInfo(pieces [][]byte) *metainfo.InfoDict {
	var raw []byte
	for _, p := range pieces {
		sum := sha1.Sum(p)
		raw = append(raw, sum[:]...)
	}
	return &metainfo.InfoDict{
		Name:     "pair",
		PieceLen: 16384,
		Files: []metainfo.File{
			{Len: 10000, Path: []string{"a.bin"}},
			{Len: 22768, Path: []string{"sub", "b.bin"}},
		},
		Pieces: raw,
	}
}

func patternPiece(n int, seed byte) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = seed + byte(i%251)
	}
	return p
}

func TestWritePieceStraddlesFiles(t *testing.T) {
	p0 := patternPiece(16384, 1)
	p1 := patternPiece(16384, 2)
	info := multiFileInfo([][]byte{p0, p1})
	td := tempDir(t)
	l := Open(info, td, nil)
	require.NoError(t, l.WritePiece(0, p0))
	require.NoError(t, l.WritePiece(1, p1))
	a, err := ioutil.ReadFile(filepath.Join(td, "pair", "a.bin"))
	require.NoError(t, err)
	b, err := ioutil.ReadFile(filepath.Join(td, "pair", "sub", "b.bin"))
	require.NoError(t, err)
	require.Len(t, a, 10000)
	require.Len(t, b, 22768)
	//piece 0 covers all of a.bin and the first 6384 bytes of b.bin
	assert.Equal(t, p0[:10000], a)
	assert.Equal(t, p0[10000:], b[:6384])
	assert.Equal(t, p1, b[6384:])
	assert.True(t, l.VerifySizes())
	assert.True(t, l.HashPiece(0))
	assert.True(t, l.HashPiece(1))
	assert.True(t, l.Complete())
}

func TestReadPieceRoundTrip(t *testing.T) {
	p0 := patternPiece(16384, 3)
	p1 := patternPiece(16384, 4)
	info := multiFileInfo([][]byte{p0, p1})
	l := Open(info, tempDir(t), nil)
	require.NoError(t, l.WritePiece(0, p0))
	got, err := l.ReadPiece(0)
	require.NoError(t, err)
	assert.Equal(t, p0, got)
	//piece 1 not written yet
	_, err = l.ReadPiece(1)
	assert.Error(t, err)
}

func TestSingleFileShortLastPiece(t *testing.T) {
	data := patternPiece(16384+100, 9)
	h0 := sha1.Sum(data[:16384])
	h1 := sha1.Sum(data[16384:])
	info := &metainfo.InfoDict{
		Name:     "t1.bin",
		PieceLen: 16384,
		Len:      int64(len(data)),
		Pieces:   append(append([]byte{}, h0[:]...), h1[:]...),
	}
	td := tempDir(t)
	l := Open(info, td, nil)
	require.NoError(t, l.WritePiece(0, data[:16384]))
	//wrong length for the final piece is rejected
	assert.Error(t, l.WritePiece(1, data[16384:16483]))
	require.NoError(t, l.WritePiece(1, data[16384:]))
	on, err := ioutil.ReadFile(filepath.Join(td, "t1.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, on)
	assert.True(t, l.Complete())
	assert.Equal(t, filepath.Join(td, "t1.bin"), l.Root())
}

func TestVerifySizesShortFile(t *testing.T) {
	p0 := patternPiece(16384, 5)
	p1 := patternPiece(16384, 6)
	info := multiFileInfo([][]byte{p0, p1})
	td := tempDir(t)
	l := Open(info, td, nil)
	assert.False(t, l.VerifySizes())
	require.NoError(t, l.WritePiece(0, p0))
	//b.bin exists but is short of its final length
	assert.False(t, l.VerifySizes())
	assert.False(t, l.Complete())
}

func TestSanitizeComponents(t *testing.T) {
	info := &metainfo.InfoDict{
		Name:     "na/me",
		PieceLen: 4,
		Files: []metainfo.File{
			{Len: 4, Path: []string{"..", "we:ird?"}},
		},
		Pieces: make([]byte, 20),
	}
	td := tempDir(t)
	l := Open(info, td, nil)
	require.NoError(t, l.writeAt([]byte("abcd"), 0))
	_, err := os.Stat(filepath.Join(td, "na_me", "_", "we_ird_"))
	assert.NoError(t, err)
	assert.Equal(t, filepath.Join(td, "na_me"), l.Root())
}

func TestPieceStraddlesThreeFiles(t *testing.T) {
	p0 := patternPiece(16384, 11)
	p1 := patternPiece(21384-16384, 12)
	var raw []byte
	for _, p := range [][]byte{p0, p1} {
		sum := sha1.Sum(p)
		raw = append(raw, sum[:]...)
	}
	info := &metainfo.InfoDict{
		Name:     "triple",
		PieceLen: 16384,
		Files: []metainfo.File{
			{Len: 5000, Path: []string{"one"}},
			{Len: 6000, Path: []string{"two"}},
			{Len: 10384, Path: []string{"three"}},
		},
		Pieces: raw,
	}
	td := tempDir(t)
	l := Open(info, td, nil)
	require.NoError(t, l.WritePiece(0, p0))
	require.NoError(t, l.WritePiece(1, p1))
	one, err := ioutil.ReadFile(filepath.Join(td, "triple", "one"))
	require.NoError(t, err)
	two, err := ioutil.ReadFile(filepath.Join(td, "triple", "two"))
	require.NoError(t, err)
	three, err := ioutil.ReadFile(filepath.Join(td, "triple", "three"))
	require.NoError(t, err)
	//piece 0 lands in three disjoint ranges, each byte in exactly one file
	assert.Equal(t, p0[:5000], one)
	assert.Equal(t, p0[5000:11000], two)
	assert.Equal(t, p0[11000:], three[:16384-11000])
	assert.Equal(t, p1, three[16384-11000:])
	assert.True(t, l.Complete())
}

func TestWriteBeyondEnd(t *testing.T) {
	info := multiFileInfo([][]byte{patternPiece(16384, 7), patternPiece(16384, 8)})
	l := Open(info, tempDir(t), nil)
	assert.Error(t, l.writeAt(make([]byte, 10), 32768-5))
}
