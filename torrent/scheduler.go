package torrent

import (
	"bytes"
	"crypto/sha1"
	"time"

	"github.com/anacrolix/missinggo/bitmap"
	"github.com/stavrakis/seabit/metainfo"
)

const (
	//an unanswered Request is recycled after this long
	requestTimeout = 30 * time.Second
	//consecutive failures that trigger an emergency re-announce
	failReannounceThreshold = 10
	//consecutive failures that give the torrent up as lost
	failCeiling = 30
	//hash failures attributable to one peer before it is disconnected
	maxPeerHashFails = 3
)

//scheduler owns the piece/block inventory of one torrent. Every method is a
//short critical section: callers hold the torrent lock and never do I/O
//while in here. Conns are referenced by identity only; the scheduler never
//keeps a dropped conn alive.
type scheduler struct {
	info   *metainfo.InfoDict
	pieces []*piece
	//verified pieces
	owned bitmap.Bitmap
	//piece -> number of connected peers announcing it
	avail freqMap
	//outstanding requests per conn
	inflight map[*conn]int
	//consecutive hash failures blamed on a conn
	hashFails     map[*conn]int
	verifiedCount int
	bytesVerified int64
	//escalates on hash failure and mid-piece peer loss, resets on verify
	consecutiveFails int
	reannounceFired  bool
}

func newScheduler(info *metainfo.InfoDict) *scheduler {
	n := info.NumPieces()
	pieces := make([]*piece, n)
	for i := 0; i < n; i++ {
		pieces[i] = newPiece(i, info.PieceLength(i), info.PieceHash(i))
	}
	return &scheduler{
		info:      info,
		pieces:    pieces,
		avail:     make(freqMap),
		inflight:  make(map[*conn]int),
		hashFails: make(map[*conn]int),
	}
}

func (s *scheduler) valid(i int) bool {
	return i >= 0 && i < len(s.pieces)
}

//demoted peers get a single in-flight request at a time instead of a full
//pipeline, which deprioritises them without starving recovery.
func (s *scheduler) maxInflightFor(cn *conn) int {
	if s.hashFails[cn] > 0 {
		return 1
	}
	return maxOnFlight
}

//pickRequests hands out up to max idle blocks for cn, marking them requested.
//Pieces the peer lacks and verified pieces are never picked; pieces already
//in flight are finished before fresh ones; fresh pieces go rarest-first with
//ties to the lowest index.
func (s *scheduler) pickRequests(cn *conn, max int) []block {
	var out []block
	take := func(p *piece) {
		for _, b := range p.blocks {
			if len(out) >= max {
				return
			}
			if b.state != blockIdle {
				continue
			}
			b.state = blockRequested
			b.owner = cn
			b.requestedAt = time.Now()
			s.inflight[cn]++
			out = append(out, block{p.index, b.off, b.len})
		}
	}
	//finish started pieces first
	for _, p := range s.pieces {
		if len(out) >= max {
			return out
		}
		if p.verified || !p.started() || !p.hasIdleBlocks() || !cn.peerBf.Get(p.index) {
			continue
		}
		take(p)
	}
	//then fresh pieces, rarest first
	for len(out) < max {
		best := -1
		bestFreq := 0
		for _, p := range s.pieces {
			if p.verified || p.started() || !cn.peerBf.Get(p.index) {
				continue
			}
			f := s.avail.count(p.index)
			if best == -1 || f < bestFreq {
				best, bestFreq = p.index, f
			}
		}
		if best == -1 {
			return out
		}
		take(s.pieces[best])
	}
	return out
}

type recordResult struct {
	//false when the payload matched no expected block and was dropped
	accepted bool
	//true when this block completed the piece
	completed bool
	//hash comparison outcome, meaningful when completed
	ok bool
	//assembled piece payload, set when completed && ok
	pieceData []byte
	//peer crossed its hash-failure allowance and should be dropped
	dropPeer bool
}

//recordBlock stores a Piece payload. Payloads that match no planned block
//(bad offset or length) or repeat an already received block are dropped
//without prejudice; a well-formed block for an idle slot is accepted even
//if it was never requested.
func (s *scheduler) recordBlock(cn *conn, i, begin int, data []byte) recordResult {
	if !s.valid(i) || s.pieces[i].verified {
		return recordResult{}
	}
	p := s.pieces[i]
	b := p.blockAt(begin, len(data))
	if b == nil || b.state == blockReceived {
		return recordResult{}
	}
	if b.state == blockRequested {
		if b.owner == cn {
			s.inflight[cn]--
		} else if b.owner != nil {
			//an unchoke race re-assigned it; credit whoever delivered
			s.inflight[b.owner]--
		}
	}
	b.state = blockReceived
	b.owner = nil
	b.data = append([]byte(nil), data...)
	if !p.allReceived() {
		return recordResult{accepted: true}
	}
	assembled := p.assemble()
	sum := sha1.Sum(assembled)
	if bytes.Equal(sum[:], p.hash) {
		return recordResult{accepted: true, completed: true, ok: true, pieceData: assembled}
	}
	//hash mismatch: every block goes back for immediate re-download and the
	//peer that finished the piece takes the blame
	p.reset()
	s.consecutiveFails++
	s.hashFails[cn]++
	return recordResult{
		accepted:  true,
		completed: true,
		dropPeer:  s.hashFails[cn] >= maxPeerHashFails,
	}
}

//markVerified flips piece i after its bytes reached the disk.
func (s *scheduler) markVerified(i int, by *conn) {
	p := s.pieces[i]
	if p.verified {
		return
	}
	p.verified = true
	//payloads are on disk now
	for _, b := range p.blocks {
		b.data = nil
	}
	s.owned.Set(i, true)
	s.verifiedCount++
	s.bytesVerified += int64(p.length)
	s.consecutiveFails = 0
	s.reannounceFired = false
	if by != nil {
		delete(s.hashFails, by)
	}
}

//onConnDropped recycles cn's outstanding requests so another peer can serve
//them. Losing a peer mid-piece escalates the failure counter.
func (s *scheduler) onConnDropped(cn *conn) {
	lost := 0
	for _, p := range s.pieces {
		if p.verified {
			continue
		}
		for _, b := range p.blocks {
			if b.state == blockRequested && b.owner == cn {
				b.state = blockIdle
				b.owner = nil
				lost++
			}
		}
	}
	if lost > 0 {
		s.consecutiveFails++
	}
	delete(s.inflight, cn)
	delete(s.hashFails, cn)
}

//onConnChoked abandons cn's outstanding requests without the failure
//escalation: the peer is still here, just unwilling.
func (s *scheduler) onConnChoked(cn *conn) {
	for _, p := range s.pieces {
		if p.verified {
			continue
		}
		for _, b := range p.blocks {
			if b.state == blockRequested && b.owner == cn {
				b.state = blockIdle
				b.owner = nil
			}
		}
	}
	s.inflight[cn] = 0
}

//reapTimeouts reverts requests older than requestTimeout to idle.
func (s *scheduler) reapTimeouts(now time.Time) (reaped int) {
	for _, p := range s.pieces {
		if p.verified {
			continue
		}
		for _, b := range p.blocks {
			if b.state == blockRequested && now.Sub(b.requestedAt) > requestTimeout {
				if b.owner != nil {
					s.inflight[b.owner]--
				}
				b.state = blockIdle
				b.owner = nil
				reaped++
			}
		}
	}
	return
}

//needReannounce fires once per escalation streak when the threshold crossed.
func (s *scheduler) needReannounce() bool {
	if s.consecutiveFails >= failReannounceThreshold && !s.reannounceFired {
		s.reannounceFired = true
		return true
	}
	return false
}

func (s *scheduler) failed() bool {
	return s.consecutiveFails >= failCeiling
}

func (s *scheduler) isComplete() bool {
	return s.verifiedCount == len(s.pieces)
}

func (s *scheduler) progress() (bytesVerified int64, fraction float64, complete bool) {
	total := s.info.TotalLength()
	if total > 0 {
		fraction = float64(s.bytesVerified) / float64(total)
	}
	return s.bytesVerified, fraction, s.isComplete()
}

//peerInteresting reports whether bf announces any piece we still lack.
func (s *scheduler) peerInteresting(bf bitmap.Bitmap) bool {
	interesting := false
	bf.IterTyped(func(i int) bool {
		if s.valid(i) && !s.pieces[i].verified {
			interesting = true
			return false
		}
		return true
	})
	return interesting
}

//availability bookkeeping, fed by Have/Bitfield messages and conn drops

func (s *scheduler) addAvail(bf bitmap.Bitmap) {
	bf.IterTyped(func(i int) bool {
		if s.valid(i) {
			s.avail.add(i)
		}
		return true
	})
}

func (s *scheduler) subAvail(bf bitmap.Bitmap) {
	bf.IterTyped(func(i int) bool {
		if s.valid(i) {
			s.avail.sub(i)
		}
		return true
	})
}

func (s *scheduler) addHave(i int) {
	if s.valid(i) {
		s.avail.add(i)
	}
}
