package tracker

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	//upper bound on concurrently in-flight announces
	muxConcurrency = 30
	//whole-cycle deadline
	muxDeadline = time.Minute
	//once this many distinct peers accumulated, pending trackers are cancelled
	muxPeerTarget = 200
	//per-tracker budget for an HTTP round trip
	httpAnnounceTimeout = 8 * time.Second
)

//Mux announces one torrent to its whole tracker set in parallel and merges
//the peer lists. Tracker clients are cached across cycles so UDP connection
//ids get reused.
type Mux struct {
	Logger *log.Logger
	//optional overrides, zero values mean the package defaults
	Concurrency int
	PeerTarget  int
	//HTTPClientFor supplies a per-URL client, typically carrying the session
	//cookies of a private tracker obtained elsewhere. Nil (or a nil return)
	//means the default client with no cookies.
	HTTPClientFor func(url string) *http.Client

	mu       sync.Mutex
	trackers map[string]Tracker
}

//AnnounceResult is the merged outcome of one announce cycle.
type AnnounceResult struct {
	//seconds until the next regular announce; smallest interval any
	//responding tracker asked for, 0 when none responded
	Interval int32
	Peers    []Peer
	//per-URL failures; informational, a failed tracker never fails the cycle
	Errors map[string]error
}

func (m *Mux) tracker(url string) (Tracker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.trackers == nil {
		m.trackers = make(map[string]Tracker)
	}
	if tr, ok := m.trackers[url]; ok {
		return tr, nil
	}
	tr, err := NewTracker(url)
	if err != nil {
		return nil, err
	}
	m.trackers[url] = tr
	return tr, nil
}

//Announce fans req out to urls. It returns when every tracker answered or
//failed, the deadline passed, or the distinct-peer target was crossed.
func (m *Mux) Announce(ctx context.Context, req AnnounceReq, urls []string) *AnnounceResult {
	ctx, cancel := context.WithTimeout(ctx, muxDeadline)
	defer cancel()
	concurrency := m.Concurrency
	if concurrency <= 0 {
		concurrency = muxConcurrency
	}
	target := m.PeerTarget
	if target <= 0 {
		target = muxPeerTarget
	}
	sem := semaphore.NewWeighted(int64(concurrency))
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		seen   = make(map[string]struct{})
		result = &AnnounceResult{Errors: make(map[string]error)}
	)
	for _, url := range urls {
		if err := sem.Acquire(ctx, 1); err != nil {
			//deadline hit or target crossed; remaining trackers are skipped
			break
		}
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			defer sem.Release(1)
			resp, err := m.announceOne(ctx, req, url)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors[url] = err
				if m.Logger != nil {
					m.Logger.Printf("[warn] tracker %s: %s", url, err)
				}
				return
			}
			if result.Interval == 0 || (resp.Interval > 0 && resp.Interval < result.Interval) {
				result.Interval = resp.Interval
			}
			for _, p := range resp.Peers {
				key := p.String()
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				result.Peers = append(result.Peers, p)
			}
			if len(result.Peers) >= target {
				cancel()
			}
		}(url)
	}
	wg.Wait()
	return result
}

func (m *Mux) announceOne(ctx context.Context, req AnnounceReq, url string) (*AnnounceResp, error) {
	tr, err := m.tracker(url)
	if err != nil {
		return nil, err
	}
	if ht, ok := tr.(*HTTPTracker); ok {
		if m.HTTPClientFor != nil {
			ht.Client = m.HTTPClientFor(url)
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, httpAnnounceTimeout)
		defer cancel()
	}
	return tr.Announce(ctx, req)
}
