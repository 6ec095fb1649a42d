package torrent

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/stavrakis/seabit/metainfo"
	"github.com/stavrakis/seabit/peer_wire"
	"github.com/stavrakis/seabit/tracker"
)

const (
	clientID = "SB"
	version  = "0001"

	//inbound handshakes must arrive whole within this budget
	inboundHandshakeTimeout = 10 * time.Second

	portRangeFirst = 6881
	portRangeLast  = 6999
)

//Config tunes a Client. The zero value of every field means the default.
type Config struct {
	//directory data is stored under unless Start overrides it
	SaveRoot string
	//fewer declared trackers than this pulls the public fallback set in
	MinTrackers int
	//skip all tracker traffic (tests mostly)
	DisableTrackers bool
	//refuse inbound peers; the listener is never opened
	RejectIncoming bool
	//destination for engine logs; a file under SaveRoot when nil
	Logger *log.Logger
	//PrivateTrackerClient supplies an http.Client with attached session
	//cookies for trackers in the caller's private set; nil for the rest.
	PrivateTrackerClient func(url string) *http.Client
}

//DefaultConfig stores data under the working directory.
func DefaultConfig() (*Config, error) {
	dir, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return &Config{
		SaveRoot:    dir,
		MinTrackers: 5,
	}, nil
}

//Client is the engine: it owns the torrent registry, the peer id, the
//inbound listener and the tracker mux shared by all torrents.
type Client struct {
	cfg    *Config
	peerID [20]byte
	logger *log.Logger

	mu       sync.Mutex
	torrents map[[20]byte]*Torrent
	closed   bool

	listener net.Listener
	//0 means inbound disabled; announced to trackers as-is
	port int

	mux    *tracker.Mux
	events *eventFeed
}

//NewClient builds an engine. Use NewClient(nil) for defaults.
func NewClient(cfg *Config) (*Client, error) {
	var err error
	if cfg == nil {
		if cfg, err = DefaultConfig(); err != nil {
			return nil, err
		}
	}
	if cfg.MinTrackers == 0 {
		cfg.MinTrackers = 5
	}
	logger := cfg.Logger
	if logger == nil {
		logFile, err := os.Create(filepath.Join(cfg.SaveRoot, "seabit.log"))
		if err != nil {
			return nil, err
		}
		logger = log.New(logFile, "", log.LstdFlags)
	}
	cl := &Client{
		cfg:      cfg,
		peerID:   newPeerID(),
		logger:   logger,
		torrents: make(map[[20]byte]*Torrent),
		events:   newEventFeed(),
	}
	cl.mux = &tracker.Mux{Logger: logger, HTTPClientFor: cfg.PrivateTrackerClient}
	if !cfg.RejectIncoming {
		cl.listen()
		if cl.listener != nil {
			go cl.acceptLoop()
		}
	}
	return cl, nil
}

//newPeerID follows the Azureus convention: -XX0001- then twelve random
//printable characters.
func newPeerID() (id [20]byte) {
	const printable = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	copy(id[:], "-"+clientID+version+"-")
	for i := 8; i < len(id); i++ {
		id[i] = printable[rand.Intn(len(printable))]
	}
	return
}

//PeerID is sent in every handshake and announce.
func (cl *Client) PeerID() [20]byte {
	return cl.peerID
}

//Port is the inbound TCP port, 0 when inbound is disabled.
func (cl *Client) Port() int {
	return cl.port
}

//Events delivers Added/Removed/Updated notifications. The feed is unbounded;
//a slow (or absent) consumer never stalls the engine.
func (cl *Client) Events() <-chan Event {
	return cl.events.out
}

//listen probes the conventional port range; running with inbound disabled is
//allowed when every port is taken.
func (cl *Client) listen() {
	for port := portRangeFirst; port <= portRangeLast; port++ {
		l, err := net.Listen("tcp", ":"+strconv.Itoa(port))
		if err == nil {
			cl.listener = l
			cl.port = port
			return
		}
	}
	cl.logger.Printf("[warn] no free peer port in [%d, %d], inbound disabled", portRangeFirst, portRangeLast)
}

func (cl *Client) acceptLoop() {
	for {
		nc, err := cl.listener.Accept()
		if err != nil {
			//closed listener ends the loop; anything else is logged
			cl.mu.Lock()
			closed := cl.closed
			cl.mu.Unlock()
			if !closed {
				cl.logger.Printf("[warn] accept: %s", err)
			}
			return
		}
		go cl.handleInbound(nc)
	}
}

//handleInbound reads the 68-byte opener, matches the info-hash against the
//registry and hands the session to its torrent.
func (cl *Client) handleInbound(nc net.Conn) {
	nc.SetDeadline(time.Now().Add(inboundHandshakeTimeout))
	hs := &peer_wire.Handshake{PeerID: cl.peerID}
	remote, err := hs.Receive(nc, func(ih [20]byte) bool {
		return cl.activeTorrent(ih) != nil
	})
	if err != nil {
		cl.logger.Printf("[warn] inbound handshake from %s: %s", nc.RemoteAddr(), err)
		nc.Close()
		return
	}
	nc.SetDeadline(time.Time{})
	t := cl.activeTorrent(remote.InfoHash)
	if t == nil {
		nc.Close()
		return
	}
	cl.startConn(t, nc, remote.PeerID)
}

//dialPeer opens an outbound session: TCP connect plus full handshake inside
//one budget, info-hash verified byte for byte by the codec.
func (cl *Client) dialPeer(ctx context.Context, t *Torrent, addr string) error {
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	nc, err := (&net.Dialer{}).DialContext(dctx, "tcp", addr)
	if err != nil {
		return err
	}
	nc.SetDeadline(time.Now().Add(dialTimeout))
	hs := &peer_wire.Handshake{InfoHash: t.InfoHash(), PeerID: cl.peerID}
	remote, err := hs.Do(nc)
	if err != nil {
		nc.Close()
		return err
	}
	nc.SetDeadline(time.Time{})
	if !cl.startConn(t, nc, remote.PeerID) {
		return errors.New("session rejected")
	}
	return nil
}

func (cl *Client) startConn(t *Torrent, nc net.Conn, peerID [20]byte) bool {
	c := newConn(t, nc, peerID)
	if !t.addConn(c) {
		nc.Close()
		return false
	}
	//our bitfield goes out before the receive loop can answer anything else,
	//keeping it the first framed message of the session
	c.sendBitfield()
	c.start()
	t.notify(FieldPeers)
	return true
}

func (cl *Client) activeTorrent(ih [20]byte) *Torrent {
	cl.mu.Lock()
	t, ok := cl.torrents[ih]
	cl.mu.Unlock()
	if !ok {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.state.active() {
		return nil
	}
	return t
}

//AddFromFile registers a torrent from a .torrent file on disk.
func (cl *Client) AddFromFile(filename string) (*Torrent, error) {
	mi, err := metainfo.LoadMetainfoFile(filename)
	if err != nil {
		return nil, err
	}
	return cl.add(mi)
}

//AddFromBytes registers a torrent from raw .torrent file contents.
func (cl *Client) AddFromBytes(data []byte) (*Torrent, error) {
	mi, err := metainfo.LoadMetainfoBytes(data)
	if err != nil {
		return nil, err
	}
	return cl.add(mi)
}

//AddFromMagnet registers a torrent from a magnet URI. The handle carries no
//info dictionary, so starting it returns ErrNoMetadata; metadata is never
//attached to it later. AddFromBytes or AddFromFile for the same info-hash
//returns ErrAlreadyExists while this handle is registered.
func (cl *Client) AddFromMagnet(uri string) (*Torrent, error) {
	mi, err := metainfo.ParseMagnet(uri)
	if err != nil {
		return nil, err
	}
	return cl.add(mi)
}

//AddFromMetainfo registers an already-parsed descriptor.
func (cl *Client) AddFromMetainfo(mi *metainfo.MetaInfo) (*Torrent, error) {
	return cl.add(mi)
}

func (cl *Client) add(mi *metainfo.MetaInfo) (*Torrent, error) {
	cl.mu.Lock()
	if cl.closed {
		cl.mu.Unlock()
		return nil, ErrClosed
	}
	ih := mi.Info.Hash
	if _, ok := cl.torrents[ih]; ok {
		cl.mu.Unlock()
		return nil, ErrAlreadyExists
	}
	t := newTorrent(cl, mi)
	cl.torrents[ih] = t
	cl.mu.Unlock()
	cl.events.emit(Event{Kind: TorrentAdded, InfoHash: ih})
	return t, nil
}

//Start is the handle-style entry point: start the torrent with the config's
//save root.
func (cl *Client) Start(t *Torrent) error {
	return t.Start(cl.cfg.SaveRoot)
}

//Torrents lists every managed torrent.
func (cl *Client) Torrents() []*Torrent {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	ts := make([]*Torrent, 0, len(cl.torrents))
	for _, t := range cl.torrents {
		ts = append(ts, t)
	}
	return ts
}

//Torrent looks a handle up by info-hash.
func (cl *Client) Torrent(ih [20]byte) (*Torrent, bool) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	t, ok := cl.torrents[ih]
	return t, ok
}

func (cl *Client) forget(t *Torrent) {
	cl.mu.Lock()
	delete(cl.torrents, t.InfoHash())
	cl.mu.Unlock()
}

//Close stops every torrent and shuts the engine down.
func (cl *Client) Close() {
	cl.mu.Lock()
	if cl.closed {
		cl.mu.Unlock()
		return
	}
	cl.closed = true
	ts := make([]*Torrent, 0, len(cl.torrents))
	for _, t := range cl.torrents {
		ts = append(ts, t)
	}
	cl.mu.Unlock()
	if cl.listener != nil {
		cl.listener.Close()
	}
	var wg sync.WaitGroup
	for _, t := range ts {
		wg.Add(1)
		go func(t *Torrent) {
			defer wg.Done()
			t.Stop()
		}(t)
	}
	wg.Wait()
	cl.events.close()
}

//Addr is the inbound listener address, helpful in tests.
func (cl *Client) Addr() string {
	if cl.listener == nil {
		return ""
	}
	return cl.listener.Addr().String()
}
