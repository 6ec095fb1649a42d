package torrent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/stavrakis/seabit/metainfo"
	"github.com/stavrakis/seabit/torrent/storage"
	"github.com/stavrakis/seabit/tracker"
)

var (
	maxConns = 55
	//below this many live conns we keep hunting for peers
	wantPeersThreshold = 30
)

const (
	//parallel outbound dials per batch
	dialBatchSize = 10
	//connect plus handshake budget per candidate
	dialTimeout = 8 * time.Second
	//waiting-for-inbound cycles before giving up a peerless start
	inboundWaitCycles = 3
	inboundWaitPeriod = 30 * time.Second
	//regular re-announce cadence when the tracker interval is silly or absent
	reannouncePeriod = 2 * time.Minute
	maintenanceTick  = 5 * time.Second
)

var (
	ErrNoMetadata    = errors.New("torrent: metadata not available (magnet without info)")
	ErrAlreadyExists = errors.New("torrent: already managed")
	ErrClosed        = errors.New("torrent: engine closed")
)

//Torrent is one managed download/upload. The zero state is Stopped; Start
//spins the download loop, Stop/Pause tear it down, Remove forgets it.
type Torrent struct {
	cl     *Client
	mi     *metainfo.MetaInfo
	logger *log.Logger

	//guards state, conns, sched and errReason
	mu        sync.Mutex
	state     State
	errReason string
	conns     []*conn
	sched     *scheduler

	//disk writes are serialised per torrent
	diskMu sync.Mutex
	layout *storage.Layout

	saveRoot string
	stats    Stats
	choker   *choker

	cancel      context.CancelFunc
	runDone     chan struct{}
	reannounceC chan struct{}
	doneC       chan struct{}
}

func newTorrent(cl *Client, mi *metainfo.MetaInfo) *Torrent {
	t := &Torrent{
		cl:     cl,
		mi:     mi,
		logger: log.New(cl.logger.Writer(), fmt.Sprintf("torrent %x ", mi.Info.Hash[:6]), log.LstdFlags),
		doneC:  make(chan struct{}),
	}
	t.choker = newChoker(t)
	return t
}

//InfoHash keys every per-torrent resource.
func (t *Torrent) InfoHash() [20]byte {
	return t.mi.Info.Hash
}

func (t *Torrent) Name() string {
	return t.mi.Info.Name
}

func (t *Torrent) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

//ErrorReason is the human-readable cause of an Errored state.
func (t *Torrent) ErrorReason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errReason
}

func (t *Torrent) Stats() StatsSnapshot {
	return t.stats.snapshot()
}

//Progress reports verified bytes, completed fraction and completeness.
func (t *Torrent) Progress() (int64, float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sched == nil {
		return 0, 0, false
	}
	return t.sched.progress()
}

//DoneC closes when every piece verified.
func (t *Torrent) DoneC() <-chan struct{} {
	return t.doneC
}

//Start builds the piece inventory and launches the download loop. Starting
//an already-active torrent is a no-op.
func (t *Torrent) Start(saveRoot string) error {
	if !t.mi.HaveInfo() {
		return ErrNoMetadata
	}
	t.mu.Lock()
	if t.state.active() {
		t.mu.Unlock()
		return nil
	}
	t.saveRoot = saveRoot
	if t.sched == nil {
		t.sched = newScheduler(t.mi.Info)
		t.stats.left.Store(t.mi.Info.TotalLength())
	}
	t.layout = storage.Open(t.mi.Info, saveRoot, t.logger)
	t.state = CheckingExisting
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.runDone = make(chan struct{})
	t.reannounceC = make(chan struct{}, 1)
	t.mu.Unlock()
	t.notify(FieldState)
	go t.run(ctx)
	return nil
}

//Pause releases peers and stops announcing but keeps the piece inventory so
//a later Start resumes in place.
func (t *Torrent) Pause() {
	t.shutdown(Paused)
}

//Stop releases peers, sessions and file handles.
func (t *Torrent) Stop() {
	t.shutdown(Stopped)
}

func (t *Torrent) shutdown(final State) {
	t.mu.Lock()
	if !t.state.active() {
		t.mu.Unlock()
		return
	}
	cancel := t.cancel
	runDone := t.runDone
	t.mu.Unlock()
	cancel()
	<-runDone //bounded: the loop only waits on I/O with deadlines
	t.mu.Lock()
	if t.state != Errored {
		t.state = final
	}
	t.mu.Unlock()
	t.notify(FieldState)
}

//Remove stops the torrent and optionally deletes its data from disk;
//deletion failures are logged, never escalated.
func (t *Torrent) Remove(deleteData bool) {
	t.Stop()
	t.cl.forget(t)
	if deleteData && t.layout != nil {
		if err := os.RemoveAll(t.layout.Root()); err != nil {
			t.logger.Printf("[warn] delete data: %s", err)
		}
	}
	t.cl.events.emit(Event{Kind: TorrentRemoved, InfoHash: t.InfoHash()})
}

func (t *Torrent) notify(changed int) {
	t.cl.events.emit(Event{
		Kind:     TorrentUpdated,
		InfoHash: t.InfoHash(),
		Changed:  changed,
		Reason:   t.ErrorReason(),
	})
}

//run is the per-torrent download loop.
func (t *Torrent) run(ctx context.Context) {
	defer close(t.runDone)
	defer t.dropAllConns()
	//already-complete data on disk short-circuits to seeding
	if t.checkExisting() {
		t.logger.Printf("data complete on disk, seeding")
		t.enterSeeding()
	} else {
		t.mu.Lock()
		t.state = Downloading
		t.mu.Unlock()
		t.notify(FieldState)
	}
	go t.choker.run(ctx.Done())
	go t.maintenanceLoop(ctx)
	res := t.announce(ctx, tracker.Started)
	interval := reannouncePeriod
	if res != nil {
		if iv := time.Duration(res.Interval) * time.Second; iv > 0 && iv < interval {
			interval = iv
		}
		t.dialPeers(ctx, res.Peers)
	}
	if !t.seeding() && t.numConns() == 0 {
		if !t.waitForFirstPeer(ctx) {
			if ctx.Err() == nil {
				t.fatal("no peers reachable after retries")
			}
			return
		}
	}
	t.reannounceLoop(ctx, interval)
	//final announce on the way out; failures ignored, short independent budget
	t.announceStopped()
}

func (t *Torrent) checkExisting() bool {
	if !t.layout.VerifySizes() {
		return false
	}
	if !t.layout.Complete() {
		return false
	}
	t.mu.Lock()
	for i := range t.sched.pieces {
		if !t.sched.pieces[i].verified {
			t.sched.markVerified(i, nil)
			t.stats.pieceVerified(int64(t.sched.pieces[i].length))
		}
	}
	t.mu.Unlock()
	return true
}

//waitForFirstPeer runs the zero-dial fallback: up to three cycles of waiting
//for inbound conns and re-announcing.
func (t *Torrent) waitForFirstPeer(ctx context.Context) bool {
	for cycle := 0; cycle < inboundWaitCycles; cycle++ {
		deadline := time.Now().Add(inboundWaitPeriod)
		for time.Now().Before(deadline) {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(time.Second):
			}
			if t.numConns() > 0 {
				return true
			}
		}
		if res := t.announce(ctx, tracker.None); res != nil {
			t.dialPeers(ctx, res.Peers)
		}
		if t.numConns() > 0 {
			return true
		}
	}
	return t.numConns() > 0
}

func (t *Torrent) reannounceLoop(ctx context.Context, interval time.Duration) {
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-t.reannounceC:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		event := tracker.None
		if res := t.announce(ctx, event); res != nil {
			if t.wantPeers() {
				t.dialPeers(ctx, res.Peers)
			}
			if iv := time.Duration(res.Interval) * time.Second; iv > 0 && iv < reannouncePeriod {
				interval = iv
			} else {
				interval = reannouncePeriod
			}
		}
		timer.Reset(interval)
	}
}

//maintenanceLoop recycles timed-out requests and watches the failure
//counters.
func (t *Torrent) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(maintenanceTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		t.mu.Lock()
		reaped := t.sched.reapTimeouts(time.Now())
		emergency := t.sched.needReannounce()
		lost := t.sched.failed()
		conns := append([]*conn(nil), t.conns...)
		t.mu.Unlock()
		if lost {
			t.fatal("too many consecutive piece failures")
			return
		}
		if emergency {
			select {
			case t.reannounceC <- struct{}{}:
			default:
			}
		}
		if reaped > 0 {
			for _, c := range conns {
				c.maybeRequest()
			}
		}
	}
}

func (t *Torrent) announce(ctx context.Context, event tracker.Event) *tracker.AnnounceResult {
	if t.cl.cfg.DisableTrackers {
		return nil
	}
	snap := t.stats.snapshot()
	req := tracker.AnnounceReq{
		InfoHash:   t.InfoHash(),
		PeerID:     t.cl.peerID,
		Downloaded: snap.Downloaded,
		Left:       snap.Left,
		Uploaded:   snap.Uploaded,
		Event:      event,
		Key:        rand.Int31(),
		NumWant:    200,
		Port:       uint16(t.cl.port),
	}
	urls := t.mi.Trackers(t.cl.cfg.MinTrackers)
	if len(urls) == 0 {
		return nil
	}
	res := t.cl.mux.Announce(ctx, req, urls)
	t.logger.Printf("announce(%v): %d peers, %d tracker errors", event, len(res.Peers), len(res.Errors))
	return res
}

func (t *Torrent) announceStopped() {
	if t.cl.cfg.DisableTrackers {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	t.announce(ctx, tracker.Stopped)
}

//AddPeer dials addr and attaches the session directly, outside any tracker
//exchange.
func (t *Torrent) AddPeer(addr string) error {
	t.mu.Lock()
	active := t.state.active()
	t.mu.Unlock()
	if !active {
		return errors.New("torrent: not active")
	}
	return t.cl.dialPeer(context.Background(), t, addr)
}

//dialPeers opens outbound sessions in bounded batches until the candidate
//list runs out or we are connected well enough.
func (t *Torrent) dialPeers(ctx context.Context, peers []tracker.Peer) {
	candidates := t.filterKnown(peers)
	var wg sync.WaitGroup
	sem := make(chan struct{}, dialBatchSize)
	for _, p := range candidates {
		if ctx.Err() != nil || !t.wantPeers() {
			break
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(p tracker.Peer) {
			defer wg.Done()
			defer func() { <-sem }()
			//the dial owns its error: logged here, never propagated
			if err := t.cl.dialPeer(ctx, t, p.String()); err != nil {
				t.logger.Printf("[warn] dial %s: %s", p, err)
			}
		}(p)
	}
	wg.Wait()
}

//filterKnown drops candidates we already hold a session with.
func (t *Torrent) filterKnown(peers []tracker.Peer) []tracker.Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	known := make(map[string]struct{}, len(t.conns))
	for _, c := range t.conns {
		known[c.addr] = struct{}{}
	}
	out := peers[:0]
	for _, p := range peers {
		if _, ok := known[p.String()]; !ok {
			out = append(out, p)
		}
	}
	return out
}

func (t *Torrent) wantPeers() bool {
	return t.numConns() < wantPeersThreshold
}

func (t *Torrent) numConns() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

//addConn registers a fresh session; false means the caller must close it.
func (t *Torrent) addConn(c *conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.state.active() {
		return false
	}
	if len(t.conns) >= maxConns {
		return false
	}
	for _, existing := range t.conns {
		if existing.addr == c.addr {
			return false
		}
	}
	t.conns = append(t.conns, c)
	return true
}

//onConnDropped detaches a dropped session and recycles its requests. Called
//from the disconnect latch, so exactly once per conn.
func (t *Torrent) onConnDropped(c *conn) {
	t.mu.Lock()
	for i, existing := range t.conns {
		if existing == c {
			t.conns = append(t.conns[:i], t.conns[i+1:]...)
			break
		}
	}
	t.sched.onConnDropped(c)
	if !c.peerBf.IsEmpty() {
		t.sched.subAvail(c.peerBf)
	}
	t.mu.Unlock()
	t.notify(FieldPeers)
}

func (t *Torrent) dropAllConns() {
	t.mu.Lock()
	conns := append([]*conn(nil), t.conns...)
	t.mu.Unlock()
	for _, c := range conns {
		c.disconnect(nil)
	}
}

//onPieceAssembled persists a hash-matching piece and flips it verified.
//The disk write happens outside the piece-inventory lock.
func (t *Torrent) onPieceAssembled(i int, data []byte, by *conn) {
	t.diskMu.Lock()
	err := t.layout.WritePiece(i, data)
	t.diskMu.Unlock()
	if err != nil {
		//the piece stays unverified; DiskIO takes the whole torrent down
		t.logger.Printf("disk write piece %d: %s", i, err)
		t.fatal(fmt.Sprintf("disk write failed: %s", err))
		return
	}
	t.mu.Lock()
	t.sched.markVerified(i, by)
	t.stats.pieceVerified(int64(t.sched.pieces[i].length))
	complete := t.sched.isComplete()
	t.mu.Unlock()
	t.notify(FieldProgress)
	t.broadcastHave(i)
	if complete {
		t.onDownloadComplete()
	}
}

func (t *Torrent) onPieceHashFail(i int, by *conn, dropping bool) {
	t.logger.Printf("[warn] piece %d failed verification (peer %s)", i, by.addr)
	t.notify(FieldProgress)
}

func (t *Torrent) broadcastHave(i int) {
	t.mu.Lock()
	conns := append([]*conn(nil), t.conns...)
	t.mu.Unlock()
	for _, c := range conns {
		c.sendHave(i)
		//peers that no longer offer anything stop being interesting
		c.reviewInterest()
	}
}

func (t *Torrent) onDownloadComplete() {
	//completion announce failures are ignored
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	t.announce(ctx, tracker.Completed)
	t.enterSeeding()
}

func (t *Torrent) enterSeeding() {
	t.mu.Lock()
	if t.state == Seeding {
		t.mu.Unlock()
		return
	}
	t.state = Seeding
	conns := append([]*conn(nil), t.conns...)
	t.mu.Unlock()
	t.notify(FieldState)
	for _, c := range conns {
		c.reviewInterest()
	}
	select {
	case <-t.doneC:
	default:
		close(t.doneC)
	}
}

//fatal moves the torrent to Errored and stops the loop; the engine and the
//other torrents live on.
func (t *Torrent) fatal(reason string) {
	t.mu.Lock()
	if t.state == Errored {
		t.mu.Unlock()
		return
	}
	t.state = Errored
	t.errReason = reason
	cancel := t.cancel
	t.mu.Unlock()
	t.logger.Printf("torrent failed: %s", reason)
	t.notify(FieldState | FieldError)
	if cancel != nil {
		cancel()
	}
}

func (t *Torrent) seeding() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == Seeding
}

func (t *Torrent) numPieces() int {
	return t.mi.Info.NumPieces()
}

func (t *Torrent) readBlock(data []byte, off int64) error {
	t.diskMu.Lock()
	defer t.diskMu.Unlock()
	return t.layout.ReadBlock(data, off)
}

//WriteStatus renders a human-readable snapshot, one peer per row.
func (t *Torrent) WriteStatus(w io.Writer) {
	t.mu.Lock()
	var b strings.Builder
	fmt.Fprintf(&b, "Name: %s\n", t.mi.Info.Name)
	fmt.Fprintf(&b, "State: %s\n", t.state)
	if t.errReason != "" {
		fmt.Fprintf(&b, "Error: %s\n", t.errReason)
	}
	if t.sched != nil {
		verified, fraction, _ := t.sched.progress()
		fmt.Fprintf(&b, "Progress: %s / %s (%.1f%%)\n",
			humanize.Bytes(uint64(verified)),
			humanize.Bytes(uint64(t.mi.Info.TotalLength())),
			fraction*100)
	}
	snap := t.stats.snapshot()
	fmt.Fprintf(&b, "Downloaded: %s\tUploaded: %s\tRemaining: %s\n",
		humanize.Bytes(uint64(snap.Downloaded)),
		humanize.Bytes(uint64(snap.Uploaded)),
		humanize.Bytes(uint64(snap.Left)))
	fmt.Fprintf(&b, "Connected to %d peers\n", len(t.conns))
	tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "Address\t%\tUp\tDown\t")
	for _, c := range t.conns {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t\n", c.addr,
			strconv.Itoa(c.peerBf.Len()*100/t.numPieces())+"%",
			humanize.Bytes(uint64(c.stats.uploadUseful.Load())),
			humanize.Bytes(uint64(c.stats.downloadUseful.Load())))
	}
	tw.Flush()
	t.mu.Unlock()
	io.WriteString(w, b.String())
}
