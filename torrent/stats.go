package torrent

import "go.uber.org/atomic"

//Stats are a torrent's byte counters. Downloaded counts verified bytes only,
//so the bytes of a piece that fails its hash never reach Downloaded and Left
//does not move.
type Stats struct {
	downloaded atomic.Int64
	uploaded   atomic.Int64
	left       atomic.Int64
	//raw block payload bytes, including those later thrown away
	received atomic.Int64
}

//StatsSnapshot is the exported view handed to callers and trackers.
type StatsSnapshot struct {
	Downloaded int64
	Uploaded   int64
	Left       int64
}

func (s *Stats) BlockDownloaded(n int64) {
	s.received.Add(n)
}

func (s *Stats) BlockUploaded(n int64) {
	s.uploaded.Add(n)
}

func (s *Stats) pieceVerified(n int64) {
	s.downloaded.Add(n)
	s.left.Sub(n)
}

func (s *Stats) pieceFailed(n int64) {
	//nothing to roll back: only verified bytes count
	_ = n
}

func (s *Stats) snapshot() StatsSnapshot {
	return StatsSnapshot{
		Downloaded: s.downloaded.Load(),
		Uploaded:   s.uploaded.Load(),
		Left:       s.left.Load(),
	}
}
