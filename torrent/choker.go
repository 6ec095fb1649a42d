package torrent

import (
	"sort"
	"time"

	"github.com/stavrakis/seabit/peer_wire"
)

const (
	chokerInterval = 10 * time.Second
	//interested peers kept unchoked at a time
	maxUploadSlots = 4
)

//choker periodically grants upload slots to the best interested peers:
//fastest downloaders while we leech, fastest uploaders once we seed.
type choker struct {
	t *Torrent
}

func newChoker(t *Torrent) *choker {
	return &choker{t: t}
}

func (ch *choker) run(stopC <-chan struct{}) {
	ticker := time.NewTicker(chokerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopC:
			return
		case <-ticker.C:
			ch.review()
		}
	}
}

//review recomputes the slot assignment. Messages are sent after the lock is
//released.
func (ch *choker) review() {
	t := ch.t
	t.mu.Lock()
	interested := make([]*conn, 0, len(t.conns))
	for _, c := range t.conns {
		if c.state.peerInterested {
			interested = append(interested, c)
		}
	}
	seeding := t.state == Seeding
	sort.Slice(interested, func(i, j int) bool {
		if seeding {
			return interested[i].stats.uploadRate() > interested[j].stats.uploadRate()
		}
		return interested[i].stats.downloadRate() > interested[j].stats.downloadRate()
	})
	type send struct {
		c   *conn
		msg *peer_wire.Msg
	}
	var sends []send
	for i, c := range interested {
		if msg := c.setChoked(i >= maxUploadSlots); msg != nil {
			sends = append(sends, send{c, msg})
		}
	}
	//uninterested peers hold no slot
	for _, c := range t.conns {
		if !c.state.peerInterested {
			if msg := c.setChoked(true); msg != nil {
				sends = append(sends, send{c, msg})
			}
		}
	}
	t.mu.Unlock()
	for _, s := range sends {
		s.c.sendMsg(s.msg)
	}
}
