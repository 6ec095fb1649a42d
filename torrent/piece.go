package torrent

import (
	"time"
)

//blockSz is the request unit on the wire; requests above it are refused by
//most clients.
const blockSz = 1 << 14

//block identifies a byte range of one piece, the unit of a Request message.
type block struct {
	pc  int
	off int
	len int
}

type blockState int

const (
	blockIdle blockState = iota
	blockRequested
	blockReceived
)

//pieceBlock is the scheduler's bookkeeping for one block: its state, which
//conn holds the outstanding request, and the payload once received.
type pieceBlock struct {
	off         int
	len         int
	state       blockState
	owner       *conn
	requestedAt time.Time
	data        []byte
}

type piece struct {
	index    int
	length   int
	hash     []byte
	blocks   []*pieceBlock
	verified bool
}

func newPiece(index, length int, hash []byte) *piece {
	blocks := make([]*pieceBlock, 0, (length+blockSz-1)/blockSz)
	for off := 0; off < length; off += blockSz {
		l := blockSz
		if length-off < blockSz {
			l = length - off
		}
		blocks = append(blocks, &pieceBlock{off: off, len: l})
	}
	p := &piece{
		index:  index,
		length: length,
		hash:   hash,
		blocks: blocks,
	}
	return p
}

func (p *piece) blockAt(off, length int) *pieceBlock {
	if off%blockSz != 0 {
		return nil
	}
	i := off / blockSz
	if i >= len(p.blocks) || p.blocks[i].len != length {
		return nil
	}
	return p.blocks[i]
}

//reset returns every non-idle block to idle and drops buffered payloads.
func (p *piece) reset() {
	for _, b := range p.blocks {
		b.state = blockIdle
		b.owner = nil
		b.data = nil
	}
}

func (p *piece) allReceived() bool {
	for _, b := range p.blocks {
		if b.state != blockReceived {
			return false
		}
	}
	return true
}

//started reports whether some block left idle state, making the piece a
//finish-me-first candidate.
func (p *piece) started() bool {
	for _, b := range p.blocks {
		if b.state != blockIdle {
			return true
		}
	}
	return false
}

func (p *piece) hasIdleBlocks() bool {
	for _, b := range p.blocks {
		if b.state == blockIdle {
			return true
		}
	}
	return false
}

//assemble concatenates the received payloads, offsets ascending.
func (p *piece) assemble() []byte {
	data := make([]byte, 0, p.length)
	for _, b := range p.blocks {
		data = append(data, b.data...)
	}
	return data
}
