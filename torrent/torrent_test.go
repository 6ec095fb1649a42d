package torrent

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io/ioutil"
	"log"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stavrakis/seabit/bencode"
	"github.com/stavrakis/seabit/metainfo"
	"github.com/stavrakis/seabit/peer_wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *log.Logger {
	return log.New(ioutil.Discard, "", 0)
}

func newTestClient(t *testing.T) *Client {
	td, err := ioutil.TempDir("", "seabit-client")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(td) })
	cl, err := NewClient(&Config{
		SaveRoot:        td,
		MinTrackers:     1,
		DisableTrackers: true,
		Logger:          testLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(cl.Close)
	return cl
}

func torrentBytes(t *testing.T, info *metainfo.InfoDict) []byte {
	data, err := bencode.Encode(&metainfo.MetaInfo{Info: info})
	require.NoError(t, err)
	return data
}

func localAddr(cl *Client) string {
	return fmt.Sprintf("127.0.0.1:%d", cl.Port())
}

func waitState(t *testing.T, tor *Torrent, want State) {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if tor.State() == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("torrent never reached %v, still %v", want, tor.State())
}

func waitDone(t *testing.T, tor *Torrent, budget time.Duration) {
	select {
	case <-tor.DoneC():
	case <-time.After(budget):
		t.Fatalf("download did not finish in %v (state %v, reason %q)", budget, tor.State(), tor.ErrorReason())
	}
}

func TestDownloadFromSeeder(t *testing.T) {
	//two pieces, the second short
	data := flatData(16384 + 5000)
	info := infoForData("t1.bin", 16384, data)
	raw := torrentBytes(t, info)

	seeder := newTestClient(t)
	require.NoError(t, ioutil.WriteFile(filepath.Join(seeder.cfg.SaveRoot, "t1.bin"), data, 0666))
	st, err := seeder.AddFromBytes(raw)
	require.NoError(t, err)
	require.NoError(t, seeder.Start(st))
	//complete data on disk goes straight to seeding
	waitState(t, st, Seeding)

	dl := newTestClient(t)
	dt, err := dl.AddFromBytes(raw)
	require.NoError(t, err)
	require.NoError(t, dl.Start(dt))
	require.NoError(t, dt.AddPeer(localAddr(seeder)))
	waitDone(t, dt, 30*time.Second)

	got, err := ioutil.ReadFile(filepath.Join(dl.cfg.SaveRoot, "t1.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
	verified, fraction, complete := dt.Progress()
	assert.EqualValues(t, len(data), verified)
	assert.Equal(t, 1.0, fraction)
	assert.True(t, complete)
	assert.Equal(t, Seeding, dt.State())
	snap := dt.Stats()
	assert.EqualValues(t, len(data), snap.Downloaded)
	assert.EqualValues(t, 0, snap.Left)
}

func TestMultiFileStraddle(t *testing.T) {
	data := flatData(32768)
	info := &metainfo.InfoDict{
		Name:     "pair",
		PieceLen: 16384,
		Files: []metainfo.File{
			{Len: 10000, Path: []string{"a.bin"}},
			{Len: 22768, Path: []string{"b.bin"}},
		},
	}
	var hashes []byte
	for off := 0; off < len(data); off += 16384 {
		sum := sha1.Sum(data[off : off+16384])
		hashes = append(hashes, sum[:]...)
	}
	info.Pieces = hashes
	raw := torrentBytes(t, info)

	seeder := newTestClient(t)
	root := filepath.Join(seeder.cfg.SaveRoot, "pair")
	require.NoError(t, os.MkdirAll(root, 0777))
	require.NoError(t, ioutil.WriteFile(filepath.Join(root, "a.bin"), data[:10000], 0666))
	require.NoError(t, ioutil.WriteFile(filepath.Join(root, "b.bin"), data[10000:], 0666))
	st, err := seeder.AddFromBytes(raw)
	require.NoError(t, err)
	require.NoError(t, seeder.Start(st))
	waitState(t, st, Seeding)

	dl := newTestClient(t)
	dt, err := dl.AddFromBytes(raw)
	require.NoError(t, err)
	require.NoError(t, dl.Start(dt))
	require.NoError(t, dt.AddPeer(localAddr(seeder)))
	waitDone(t, dt, 30*time.Second)

	a, err := ioutil.ReadFile(filepath.Join(dl.cfg.SaveRoot, "pair", "a.bin"))
	require.NoError(t, err)
	b, err := ioutil.ReadFile(filepath.Join(dl.cfg.SaveRoot, "pair", "b.bin"))
	require.NoError(t, err)
	assert.Equal(t, data[:10000], a)
	assert.Equal(t, data[10000:], b)
}

func TestRestartCompletedSeedsImmediately(t *testing.T) {
	data := flatData(16384)
	info := infoForData("done.bin", 16384, data)
	cl := newTestClient(t)
	require.NoError(t, ioutil.WriteFile(filepath.Join(cl.cfg.SaveRoot, "done.bin"), data, 0666))
	tor, err := cl.AddFromBytes(torrentBytes(t, info))
	require.NoError(t, err)
	require.NoError(t, cl.Start(tor))
	waitState(t, tor, Seeding)
	waitDone(t, tor, 5*time.Second)
	tor.Stop()
	waitState(t, tor, Stopped)
	//second start with the same save root verifies on open and seeds
	require.NoError(t, cl.Start(tor))
	waitState(t, tor, Seeding)
}

func TestRemoveDeletesData(t *testing.T) {
	data := flatData(16384)
	info := infoForData("gone.bin", 16384, data)
	cl := newTestClient(t)
	path := filepath.Join(cl.cfg.SaveRoot, "gone.bin")
	require.NoError(t, ioutil.WriteFile(path, data, 0666))
	tor, err := cl.AddFromBytes(torrentBytes(t, info))
	require.NoError(t, err)
	require.NoError(t, cl.Start(tor))
	waitState(t, tor, Seeding)
	tor.Remove(true)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	_, ok := cl.Torrent(info.Hash)
	assert.False(t, ok)
}

//scriptedSeeder is a hand-driven remote peer: it serves real data but can
//choke mid-piece or corrupt a block on the way out.
type scriptedSeeder struct {
	t        *testing.T
	info     *metainfo.InfoDict
	data     []byte
	listener net.Listener
	//choke once after this many served blocks, 0 disables
	chokeAfter int
	//corrupt the first served copy of the last block of piece 0
	corruptOnce bool
}

func newScriptedSeeder(t *testing.T, info *metainfo.InfoDict, data []byte) *scriptedSeeder {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return &scriptedSeeder{t: t, info: info, data: data, listener: l}
}

func (ss *scriptedSeeder) addr() string {
	return ss.listener.Addr().String()
}

func (ss *scriptedSeeder) serveOne() {
	nc, err := ss.listener.Accept()
	if err != nil {
		return
	}
	defer nc.Close()
	hs := &peer_wire.Handshake{PeerID: [20]byte{'s', 'c', 'r', 'i', 'p', 't'}}
	if _, err = hs.Receive(nc, func([20]byte) bool { return true }); err != nil {
		return
	}
	bf := peer_wire.NewBitField(ss.info.NumPieces())
	for i := 0; i < ss.info.NumPieces(); i++ {
		bf.SetPiece(i)
	}
	(&peer_wire.Msg{Kind: peer_wire.Bitfield, Bf: bf}).Write(nc)
	served := 0
	corrupted := false
	for {
		msg, err := peer_wire.Read(nc)
		if err != nil {
			return
		}
		switch msg.Kind {
		case peer_wire.Interested:
			(&peer_wire.Msg{Kind: peer_wire.Unchoke}).Write(nc)
		case peer_wire.Request:
			off := int(msg.Index)*ss.info.PieceLen + int(msg.Begin)
			blockData := append([]byte(nil), ss.data[off:off+int(msg.Len)]...)
			lastBlockOfPiece0 := msg.Index == 0 &&
				int(msg.Begin)+int(msg.Len) == ss.info.PieceLength(0)
			if ss.corruptOnce && !corrupted && lastBlockOfPiece0 {
				corrupted = true
				blockData[0] ^= 0xff
			}
			(&peer_wire.Msg{
				Kind:  peer_wire.Piece,
				Index: msg.Index,
				Begin: msg.Begin,
				Block: blockData,
			}).Write(nc)
			served++
			if ss.chokeAfter > 0 && served == ss.chokeAfter {
				ss.chokeAfter = 0
				//the client resets its in-flight blocks on Choke and asks for
				//them again after the Unchoke; stale duplicates it may still
				//receive are dropped on its side
				(&peer_wire.Msg{Kind: peer_wire.Choke}).Write(nc)
				time.Sleep(300 * time.Millisecond)
				(&peer_wire.Msg{Kind: peer_wire.Unchoke}).Write(nc)
			}
		}
	}
}

func TestChokeMidPieceRecovers(t *testing.T) {
	data := flatData(4 * 16384) //one piece, four blocks
	info := infoForData("choke.bin", 4*16384, data)
	ss := newScriptedSeeder(t, info, data)
	ss.chokeAfter = 2
	go ss.serveOne()

	dl := newTestClient(t)
	tor, err := dl.AddFromBytes(torrentBytes(t, info))
	require.NoError(t, err)
	require.NoError(t, dl.Start(tor))
	require.NoError(t, tor.AddPeer(ss.addr()))
	waitDone(t, tor, 30*time.Second)
	got, err := ioutil.ReadFile(filepath.Join(dl.cfg.SaveRoot, "choke.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestCorruptBlockRecovers(t *testing.T) {
	data := flatData(2 * 16384)
	info := infoForData("corrupt.bin", 16384, data)
	ss := newScriptedSeeder(t, info, data)
	ss.corruptOnce = true
	go ss.serveOne()

	dl := newTestClient(t)
	tor, err := dl.AddFromBytes(torrentBytes(t, info))
	require.NoError(t, err)
	require.NoError(t, dl.Start(tor))
	require.NoError(t, tor.AddPeer(ss.addr()))
	waitDone(t, tor, 30*time.Second)
	got, err := ioutil.ReadFile(filepath.Join(dl.cfg.SaveRoot, "corrupt.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}
