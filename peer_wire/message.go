package peer_wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

//MessageID is the one-byte type tag of a framed message.
type MessageID int8

const (
	Choke MessageID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
	//KeepAlive has no id on the wire (it is the zero-length frame)
	//but carrying one internally keeps the dispatch uniform.
	KeepAlive MessageID = -1
	//Unknown stands for any id we don't speak; the payload has been
	//consumed and must be ignored.
	Unknown MessageID = -2
)

func (id MessageID) String() string {
	switch id {
	case Choke:
		return "Choke"
	case Unchoke:
		return "Unchoke"
	case Interested:
		return "Interested"
	case NotInterested:
		return "NotInterested"
	case Have:
		return "Have"
	case Bitfield:
		return "Bitfield"
	case Request:
		return "Request"
	case Piece:
		return "Piece"
	case Cancel:
		return "Cancel"
	case KeepAlive:
		return "KeepAlive"
	default:
		return "Unknown"
	}
}

//Legitimate Piece frames are at most block size + 9 bytes of header; anything
//bigger than this cap is hostile and tears the connection down.
const MaxMsgLen = 2 << 20

//Msg is a single peer-wire message. Only the fields relevant to Kind are set.
type Msg struct {
	Kind  MessageID
	Index uint32
	Begin uint32
	Len   uint32
	Bf    BitField
	Block []byte
}

//Write frames m with its 4-byte big-endian length prefix and writes it with
//one Write call so writers serialised by a mutex can never interleave.
func (m *Msg) Write(w io.Writer) error {
	var b bytes.Buffer
	switch m.Kind {
	case KeepAlive:
	case Choke, Unchoke, Interested, NotInterested:
		b.WriteByte(byte(m.Kind))
	case Have:
		b.WriteByte(byte(m.Kind))
		writeUint32(&b, m.Index)
	case Bitfield:
		b.WriteByte(byte(m.Kind))
		b.Write(m.Bf)
	case Request, Cancel:
		b.WriteByte(byte(m.Kind))
		writeUint32(&b, m.Index)
		writeUint32(&b, m.Begin)
		writeUint32(&b, m.Len)
	case Piece:
		b.WriteByte(byte(m.Kind))
		writeUint32(&b, m.Index)
		writeUint32(&b, m.Begin)
		b.Write(m.Block)
	default:
		return fmt.Errorf("peer_wire: cannot write message of kind %d", m.Kind)
	}
	frame := make([]byte, 4+b.Len())
	binary.BigEndian.PutUint32(frame, uint32(b.Len()))
	copy(frame[4:], b.Bytes())
	_, err := w.Write(frame)
	return err
}

//Read decodes the next frame. A zero-length frame yields KeepAlive. Unknown
//ids are consumed whole and returned as Kind == Unknown so callers can skip
//them without desynchronising the stream.
func Read(r io.Reader) (*Msg, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	msgLen := binary.BigEndian.Uint32(prefix[:])
	if msgLen == 0 {
		return &Msg{Kind: KeepAlive}, nil
	}
	if msgLen > MaxMsgLen {
		return nil, fmt.Errorf("peer_wire: message of %d bytes exceeds cap", msgLen)
	}
	payload := make([]byte, msgLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	kind := MessageID(payload[0])
	body := payload[1:]
	msg := &Msg{Kind: kind}
	switch kind {
	case Choke, Unchoke, Interested, NotInterested:
		if len(body) != 0 {
			return nil, fmt.Errorf("peer_wire: %v with %d payload bytes", kind, len(body))
		}
	case Have:
		if len(body) != 4 {
			return nil, fmt.Errorf("peer_wire: Have with %d payload bytes", len(body))
		}
		msg.Index = binary.BigEndian.Uint32(body)
	case Bitfield:
		msg.Bf = BitField(body)
	case Request, Cancel:
		if len(body) != 12 {
			return nil, fmt.Errorf("peer_wire: %v with %d payload bytes", kind, len(body))
		}
		msg.Index = binary.BigEndian.Uint32(body)
		msg.Begin = binary.BigEndian.Uint32(body[4:])
		msg.Len = binary.BigEndian.Uint32(body[8:])
	case Piece:
		if len(body) < 8 {
			return nil, fmt.Errorf("peer_wire: Piece with %d payload bytes", len(body))
		}
		msg.Index = binary.BigEndian.Uint32(body)
		msg.Begin = binary.BigEndian.Uint32(body[4:])
		msg.Block = body[8:]
	default:
		msg.Kind = Unknown
	}
	return msg, nil
}

//Request returns the request-shaped view of a Piece message, convenient for
//matching a response against the request bookkeeping.
func (m *Msg) Request() *Msg {
	return &Msg{
		Kind:  Request,
		Index: m.Index,
		Begin: m.Begin,
		Len:   uint32(len(m.Block)),
	}
}

func writeUint32(b *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.Write(tmp[:])
}
