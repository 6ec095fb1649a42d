package torrent

import (
	"time"

	"go.uber.org/atomic"
)

//connStats are per-session counters read across goroutines (choker, status
//rendering), hence the atomics.
type connStats struct {
	downloadUseful atomic.Int64
	uploadUseful   atomic.Int64
	//unix nanos of the last byte in each direction
	lastRead  atomic.Int64
	lastWrite atomic.Int64
	//unix nanos of the last Piece payload
	lastPiece atomic.Int64
	started   atomic.Int64
}

func (s *connStats) init() {
	now := time.Now().UnixNano()
	s.lastRead.Store(now)
	s.lastWrite.Store(now)
	s.started.Store(now)
}

func (s *connStats) startedDownloading() {
	//start the last-piece clock the first time the peer unchokes us
	if s.lastPiece.Load() == 0 {
		s.lastPiece.Store(time.Now().UnixNano())
	}
}

//downloadRate is bytes per second since the session started; crude but
//enough to rank peers for the choker.
func (s *connStats) downloadRate() float64 {
	dur := time.Since(time.Unix(0, s.started.Load())).Seconds()
	if dur <= 0 {
		return 0
	}
	return float64(s.downloadUseful.Load()) / dur
}

func (s *connStats) uploadRate() float64 {
	dur := time.Since(time.Unix(0, s.started.Load())).Seconds()
	if dur <= 0 {
		return 0
	}
	return float64(s.uploadUseful.Load()) / dur
}
