package torrent

import (
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/anacrolix/missinggo/bitmap"
	"github.com/stavrakis/seabit/peer_wire"
	"github.com/tevino/abool"
)

const (
	//outstanding requests we pipeline on one healthy conn
	maxOnFlight = 10

	keepAliveInterval = 2 * time.Minute
	keepAliveSendFreq = keepAliveInterval - 10*time.Second
	//no message from the peer for this long drops the conn
	idleTimeout = 150 * time.Second

	uploadQueueSize = 64
)

//connState mirrors both ends of the choke/interest handshake; everything
//starts choked and not interested.
type connState struct {
	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool
}

func newConnState() connState {
	return connState{amChoking: true, peerChoking: true}
}

func (cs *connState) canDownload() bool {
	return !cs.peerChoking && cs.amInterested
}

func (cs *connState) canUpload() bool {
	return !cs.amChoking && cs.peerInterested
}

//conn is one peer session. The receive loop is the only reader of the
//socket; writers serialise on sendMu so two messages can never interleave.
//Shared fields (state, peerBf) are guarded by the torrent lock.
type conn struct {
	t      *Torrent
	cn     net.Conn
	logger *log.Logger
	addr   string
	peerID [20]byte

	state  connState
	peerBf bitmap.Bitmap

	sendMu sync.Mutex
	//set-once disconnect latch; teardown runs exactly once no matter which
	//path fails first
	dropped  *abool.AtomicBool
	droppedC chan struct{}

	//pending upload requests; guarded by reqsMu because Cancel handling and
	//the upload loop race for them
	reqsMu   sync.Mutex
	peerReqs map[block]struct{}
	uploadCh chan block

	stats connStats
}

func newConn(t *Torrent, nc net.Conn, peerID [20]byte) *conn {
	c := &conn{
		t:        t,
		cn:       nc,
		logger:   log.New(t.logger.Writer(), fmt.Sprintf("peer %s ", nc.RemoteAddr()), log.LstdFlags),
		addr:     nc.RemoteAddr().String(),
		peerID:   peerID,
		state:    newConnState(),
		dropped:  abool.New(),
		droppedC: make(chan struct{}),
		peerReqs: make(map[block]struct{}),
		uploadCh: make(chan block, uploadQueueSize),
	}
	c.stats.init()
	return c
}

//start launches the session goroutines after the conn was registered.
func (c *conn) start() {
	go c.readLoop()
	go c.keepAliveLoop()
	go c.uploadLoop()
}

//disconnect is idempotent: only the first caller tears down and notifies.
func (c *conn) disconnect(reason error) {
	if !c.dropped.SetToIf(false, true) {
		return
	}
	if reason != nil {
		c.logger.Printf("[warn] disconnect: %s", reason)
	}
	close(c.droppedC)
	c.cn.Close()
	c.t.onConnDropped(c)
}

func (c *conn) isDropped() bool {
	return c.dropped.IsSet()
}

//readLoop frames the stream and dispatches messages until the peer goes
//away. All faults end in disconnect; none propagate.
func (c *conn) readLoop() {
	for {
		c.cn.SetReadDeadline(time.Now().Add(idleTimeout))
		msg, err := peer_wire.Read(c.cn)
		if err != nil {
			c.disconnect(err)
			return
		}
		c.stats.lastRead.Store(time.Now().UnixNano())
		if err = c.dispatch(msg); err != nil {
			c.disconnect(err)
			return
		}
		if c.isDropped() {
			return
		}
	}
}

func (c *conn) dispatch(msg *peer_wire.Msg) error {
	t := c.t
	switch msg.Kind {
	case peer_wire.KeepAlive, peer_wire.Unknown:
	case peer_wire.Choke:
		t.mu.Lock()
		c.state.peerChoking = true
		t.sched.onConnChoked(c)
		t.mu.Unlock()
	case peer_wire.Unchoke:
		t.mu.Lock()
		c.state.peerChoking = false
		t.mu.Unlock()
		c.stats.startedDownloading()
		c.maybeRequest()
	case peer_wire.Interested:
		t.mu.Lock()
		c.state.peerInterested = true
		t.mu.Unlock()
		t.choker.review()
	case peer_wire.NotInterested:
		t.mu.Lock()
		c.state.peerInterested = false
		t.mu.Unlock()
		t.choker.review()
	case peer_wire.Have:
		t.mu.Lock()
		if !t.sched.valid(int(msg.Index)) {
			t.mu.Unlock()
			return fmt.Errorf("have for piece %d out of range", msg.Index)
		}
		if !c.peerBf.Get(int(msg.Index)) {
			c.peerBf.Set(int(msg.Index), true)
			t.sched.addHave(int(msg.Index))
		}
		t.mu.Unlock()
		c.reviewInterest()
	case peer_wire.Bitfield:
		return c.onBitfield(msg.Bf)
	case peer_wire.Request:
		return c.onRequest(msg)
	case peer_wire.Cancel:
		c.reqsMu.Lock()
		delete(c.peerReqs, block{int(msg.Index), int(msg.Begin), int(msg.Len)})
		c.reqsMu.Unlock()
	case peer_wire.Piece:
		return c.onPiece(msg)
	}
	return nil
}

//onBitfield replaces the peer's piece set; expected once, right after the
//handshake. Trailing bits past the piece count are tolerated and ignored.
func (c *conn) onBitfield(bf peer_wire.BitField) error {
	t := c.t
	t.mu.Lock()
	if !c.peerBf.IsEmpty() {
		t.mu.Unlock()
		return fmt.Errorf("bitfield after bitfield or have")
	}
	numPieces := t.numPieces()
	if !bf.LengthValid(numPieces) {
		t.mu.Unlock()
		return fmt.Errorf("bitfield of %d bytes for %d pieces", len(bf), numPieces)
	}
	for i := 0; i < numPieces; i++ {
		if bf.HasPiece(i) {
			c.peerBf.Set(i, true)
		}
	}
	t.sched.addAvail(c.peerBf)
	t.mu.Unlock()
	c.reviewInterest()
	return nil
}

//reviewInterest tells the peer whether it has anything we want.
func (c *conn) reviewInterest() {
	t := c.t
	t.mu.Lock()
	interesting := t.state != Seeding && t.sched.peerInteresting(c.peerBf)
	change := interesting != c.state.amInterested
	if change {
		c.state.amInterested = interesting
	}
	t.mu.Unlock()
	if !change {
		return
	}
	kind := peer_wire.NotInterested
	if interesting {
		kind = peer_wire.Interested
	}
	c.sendMsg(&peer_wire.Msg{Kind: kind})
	if interesting {
		c.maybeRequest()
	}
}

//maybeRequest tops the request pipeline up when the peer lets us download.
func (c *conn) maybeRequest() {
	t := c.t
	t.mu.Lock()
	if c.isDropped() || !c.state.canDownload() {
		t.mu.Unlock()
		return
	}
	want := t.sched.maxInflightFor(c) - t.sched.inflight[c]
	var blocks []block
	if want > 0 {
		blocks = t.sched.pickRequests(c, want)
	}
	t.mu.Unlock()
	for _, b := range blocks {
		if c.sendMsg(&peer_wire.Msg{
			Kind:  peer_wire.Request,
			Index: uint32(b.pc),
			Begin: uint32(b.off),
			Len:   uint32(b.len),
		}) != nil {
			return
		}
	}
}

func (c *conn) onPiece(msg *peer_wire.Msg) error {
	t := c.t
	c.stats.downloadUseful.Add(int64(len(msg.Block)))
	c.stats.lastPiece.Store(time.Now().UnixNano())
	t.mu.Lock()
	res := t.sched.recordBlock(c, int(msg.Index), int(msg.Begin), msg.Block)
	t.mu.Unlock()
	if !res.accepted {
		c.logger.Printf("[warn] dropped unexpected block %d/%d/%d", msg.Index, msg.Begin, len(msg.Block))
		return nil
	}
	t.stats.BlockDownloaded(int64(len(msg.Block)))
	if res.completed {
		if res.ok {
			t.onPieceAssembled(int(msg.Index), res.pieceData, c)
		} else {
			t.onPieceHashFail(int(msg.Index), c, res.dropPeer)
			if res.dropPeer {
				c.disconnect(fmt.Errorf("%d consecutive hash failures", maxPeerHashFails))
				return nil
			}
		}
	}
	c.maybeRequest()
	return nil
}

//onRequest queues an upload after sanity checks; the upload loop serves it
//so a Cancel arriving first can still dequeue it.
func (c *conn) onRequest(msg *peer_wire.Msg) error {
	t := c.t
	b := block{int(msg.Index), int(msg.Begin), int(msg.Len)}
	if b.len > blockSz {
		return fmt.Errorf("request of %d bytes exceeds block size", b.len)
	}
	t.mu.Lock()
	switch {
	case !t.sched.valid(b.pc):
		t.mu.Unlock()
		return fmt.Errorf("request for piece %d out of range", b.pc)
	case b.off+b.len > t.sched.pieces[b.pc].length:
		t.mu.Unlock()
		return fmt.Errorf("request past end of piece %d", b.pc)
	case !t.sched.owned.Get(b.pc):
		t.mu.Unlock()
		return fmt.Errorf("request for piece %d we do not have", b.pc)
	case !c.state.canUpload():
		//we may have choked it and the peer hasn't heard yet; ignore
		t.mu.Unlock()
		c.logger.Printf("[warn] request while choked")
		return nil
	}
	t.mu.Unlock()
	c.reqsMu.Lock()
	if _, dup := c.peerReqs[b]; dup {
		c.reqsMu.Unlock()
		return nil
	}
	if len(c.peerReqs) >= uploadQueueSize {
		c.reqsMu.Unlock()
		c.logger.Printf("[warn] upload queue full, request dropped")
		return nil
	}
	c.peerReqs[b] = struct{}{}
	c.reqsMu.Unlock()
	select {
	case c.uploadCh <- b:
	default:
	}
	return nil
}

//uploadLoop serves queued requests off the session goroutine so disk reads
//never stall the receive path.
func (c *conn) uploadLoop() {
	for {
		select {
		case <-c.droppedC:
			return
		case b := <-c.uploadCh:
			c.reqsMu.Lock()
			_, live := c.peerReqs[b]
			delete(c.peerReqs, b)
			c.reqsMu.Unlock()
			if !live { //cancelled
				continue
			}
			if err := c.serveBlock(b); err != nil {
				c.disconnect(err)
				return
			}
		}
	}
}

func (c *conn) serveBlock(b block) error {
	data := make([]byte, b.len)
	off := int64(b.pc)*int64(c.t.mi.Info.PieceLen) + int64(b.off)
	if err := c.t.readBlock(data, off); err != nil {
		c.logger.Printf("[warn] read for upload: %s", err)
		return nil
	}
	err := c.sendMsg(&peer_wire.Msg{
		Kind:  peer_wire.Piece,
		Index: uint32(b.pc),
		Begin: uint32(b.off),
		Block: data,
	})
	if err != nil {
		return err
	}
	c.stats.uploadUseful.Add(int64(b.len))
	c.t.stats.BlockUploaded(int64(b.len))
	return nil
}

//sendMsg writes one message; the mutex is the per-session write
//serialisation the wire ordering contract asks for.
func (c *conn) sendMsg(msg *peer_wire.Msg) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.isDropped() {
		return fmt.Errorf("conn already dropped")
	}
	c.cn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	if err := msg.Write(c.cn); err != nil {
		c.disconnect(err)
		return err
	}
	c.stats.lastWrite.Store(time.Now().UnixNano())
	return nil
}

//keepAliveLoop sends zero-length frames on a quiet write side. The read
//side's deadline handles fully dead peers.
func (c *conn) keepAliveLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.droppedC:
			return
		case <-ticker.C:
			last := time.Unix(0, c.stats.lastWrite.Load())
			if time.Since(last) >= keepAliveSendFreq {
				c.sendMsg(&peer_wire.Msg{Kind: peer_wire.KeepAlive})
			}
		}
	}
}

//sendHave announces a freshly verified piece.
func (c *conn) sendHave(i int) {
	c.sendMsg(&peer_wire.Msg{Kind: peer_wire.Have, Index: uint32(i)})
}

//sendBitfield ships our owned set right after the handshake, when non-empty.
func (c *conn) sendBitfield() {
	t := c.t
	t.mu.Lock()
	if t.sched.owned.Len() == 0 {
		t.mu.Unlock()
		return
	}
	bf := peer_wire.NewBitField(t.numPieces())
	t.sched.owned.IterTyped(func(i int) bool {
		bf.SetPiece(i)
		return true
	})
	t.mu.Unlock()
	c.sendMsg(&peer_wire.Msg{Kind: peer_wire.Bitfield, Bf: bf})
}

//choke/unchoke are driven by the choker with the torrent lock held; the
//actual sends happen after it releases.
func (c *conn) setChoked(choked bool) *peer_wire.Msg {
	if c.state.amChoking == choked {
		return nil
	}
	c.state.amChoking = choked
	kind := peer_wire.Unchoke
	if choked {
		kind = peer_wire.Choke
	}
	return &peer_wire.Msg{Kind: kind}
}
