package tracker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

//Event accompanies an announce, numbered as BEP-15 does; HTTP trackers
//receive the lowercase name instead (nothing for None).
type Event int32

const (
	None Event = iota
	Completed
	Started
	Stopped
)

func (e Event) String() string {
	switch e {
	case Completed:
		return "completed"
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	default:
		return ""
	}
}

//AnnounceReq carries everything a tracker needs to register us in the swarm.
type AnnounceReq struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Downloaded int64
	Left       int64
	Uploaded   int64
	Event      Event
	Key        int32
	NumWant    int32
	Port       uint16
}

//AnnounceResp is a single tracker's reply.
type AnnounceResp struct {
	Interval int32
	Leechers int32
	Seeders  int32
	Peers    []Peer
}

//Peer is a swarm member as reported by a tracker.
type Peer struct {
	IP   net.IP
	Port int
	//set only by dictionary-model HTTP responses
	ID []byte
}

func (p Peer) String() string {
	return net.JoinHostPort(p.IP.String(), fmt.Sprintf("%d", p.Port))
}

//compactPeers holds the 6-byte-per-peer wire encoding:
//4 bytes IPv4, 2 bytes port, big-endian.
type compactPeers []byte

func (c compactPeers) peers() ([]Peer, error) {
	if len(c)%6 != 0 {
		return nil, fmt.Errorf("compact peer list of %d bytes is not a multiple of 6", len(c))
	}
	peers := make([]Peer, 0, len(c)/6)
	for i := 0; i+6 <= len(c); i += 6 {
		ip := net.IPv4(c[i], c[i+1], c[i+2], c[i+3])
		port := int(binary.BigEndian.Uint16(c[i+4 : i+6]))
		peers = append(peers, Peer{IP: ip, Port: port})
	}
	return peers, nil
}

//Tracker announces to a single announce URL.
type Tracker interface {
	Announce(ctx context.Context, req AnnounceReq) (*AnnounceResp, error)
	URL() string
}

//NewTracker picks the client implementation by URL scheme.
func NewTracker(rawURL string) (Tracker, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("tracker url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		return &HTTPTracker{url: rawURL}, nil
	case "udp":
		return &UDPTracker{url: rawURL, host: hostWithPort(u.Host)}, nil
	default:
		return nil, errors.New("tracker url: unsupported scheme " + u.Scheme)
	}
}

func hostWithPort(host string) string {
	if !strings.Contains(host, ":") {
		host += ":80"
	}
	return host
}

//ScrapeURL derives the scrape endpoint from an HTTP announce URL, empty when
//the convention does not apply.
func ScrapeURL(announce string) string {
	const s = "announce"
	i := strings.LastIndexByte(announce, '/')
	if i < 0 || len(announce) < i+1+len(s) {
		return ""
	}
	if announce[i+1:i+1+len(s)] != s {
		return ""
	}
	return announce[:i+1] + "scrape" + announce[i+1+len(s):]
}
