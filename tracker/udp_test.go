package tracker

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testIhash = [20]byte{0xa3, 0x56, 0x41, 0x43, 0x74, 0x23, 0xe6, 0x26, 0xd9, 0x38,
	0x25, 0x4a, 0x6b, 0x80, 0x49, 0x10, 0xa6, 0x67, 0x0a, 0xc1}

func newTestServer(t *testing.T, torrents map[[20]byte]testTorrent) *server {
	srv := &server{torrents: torrents}
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	srv.pc = pc
	t.Cleanup(func() { pc.Close() })
	return srv
}

func TestUDPAnnounce(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, map[[20]byte]testTorrent{
		testIhash: {
			Leechers: 5,
			Seeders:  10,
			Peers: []portIP{
				{[4]byte{192, 168, 1, 10}, 6881},
				{[4]byte{10, 0, 0, 2}, 51413},
			},
		},
	})
	//one datagram for CONNECT, one for ANNOUNCE
	go srv.serve(2)
	tr, err := NewTracker(fmt.Sprintf("udp://%s/announce", srv.pc.LocalAddr()))
	require.NoError(t, err)
	req := AnnounceReq{InfoHash: testIhash, Event: Started, NumWant: -1}
	rand.Read(req.PeerID[:])
	resp, err := tr.Announce(context.Background(), req)
	require.NoError(t, err)
	assert.EqualValues(t, 5, resp.Leechers)
	assert.EqualValues(t, 10, resp.Seeders)
	require.Len(t, resp.Peers, 2)
	assert.Equal(t, "192.168.1.10", resp.Peers[0].IP.String())
	assert.Equal(t, 6881, resp.Peers[0].Port)
	assert.Equal(t, 51413, resp.Peers[1].Port)
}

func TestUDPAnnounceReusesConnectionID(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, map[[20]byte]testTorrent{testIhash: {}})
	//CONNECT + two ANNOUNCEs: the second announce must not reconnect
	go srv.serve(3)
	tr, err := NewTracker(fmt.Sprintf("udp://%s/announce", srv.pc.LocalAddr()))
	require.NoError(t, err)
	req := AnnounceReq{InfoHash: testIhash}
	_, err = tr.Announce(context.Background(), req)
	require.NoError(t, err)
	_, err = tr.Announce(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, srv.conns, 1)
}

func TestUDPAnnounceErrorAction(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, map[[20]byte]testTorrent{})
	go srv.serve(2)
	tr, err := NewTracker(fmt.Sprintf("udp://%s/announce", srv.pc.LocalAddr()))
	require.NoError(t, err)
	_, err = tr.Announce(context.Background(), AnnounceReq{InfoHash: testIhash})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown torrent")
}

func TestCompactPeers(t *testing.T) {
	peers, err := compactPeers([]byte{0xc0, 0xa8, 0x01, 0x0a, 0x1a, 0xe1}).peers()
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "192.168.1.10", peers[0].IP.String())
	assert.Equal(t, 6881, peers[0].Port)
	_, err = compactPeers(make([]byte, 7)).peers()
	assert.Error(t, err)
}

func TestScrapeURL(t *testing.T) {
	assert.Equal(t, "http://x.example/scrape", ScrapeURL("http://x.example/announce"))
	assert.Equal(t, "http://x.example/scrape?k=v", ScrapeURL("http://x.example/announce?k=v"))
	assert.Equal(t, "", ScrapeURL("http://x.example/a"))
}
