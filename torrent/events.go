package torrent

import (
	"github.com/eapache/channels"
)

//Events let a UI (or nothing at all) observe the engine. They are delivered
//through an unbounded channel so emitting one never blocks engine internals
//and is always done outside the piece-inventory lock.

type EventKind int

const (
	TorrentAdded EventKind = iota
	TorrentRemoved
	TorrentUpdated
)

//Fields that TorrentUpdated may flag as changed.
const (
	FieldState = 1 << iota
	FieldProgress
	FieldPeers
	FieldError
)

type Event struct {
	Kind     EventKind
	InfoHash [20]byte
	//bitmask of Field* values, set for TorrentUpdated
	Changed int
	//human-readable reason accompanying an Errored state
	Reason string
}

type eventFeed struct {
	in  channels.Channel
	out chan Event
}

func newEventFeed() *eventFeed {
	f := &eventFeed{
		in:  channels.NewInfiniteChannel(),
		out: make(chan Event),
	}
	go f.pump()
	return f
}

func (f *eventFeed) pump() {
	for v := range f.in.Out() {
		f.out <- v.(Event)
	}
	close(f.out)
}

func (f *eventFeed) emit(e Event) {
	f.in.In() <- e
}

func (f *eventFeed) close() {
	f.in.Close()
}
