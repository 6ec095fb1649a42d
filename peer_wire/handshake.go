package peer_wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const protoLen byte = 19

var proto = [...]byte{
	'B', 'i', 't', 'T', 'o', 'r', 'r', 'e', 'n', 't',
	' ', 'p', 'r', 'o', 't', 'o', 'c', 'o', 'l',
}

//HandshakeLen is the fixed size of the opening exchange.
const HandshakeLen = 68

//Handshake is the 68-byte opening message: length-prefixed protocol tag,
//8 reserved bytes (always zero here), info-hash and peer id.
type Handshake struct {
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

//Do runs the initiator side: write ours, read the reply, verify the
//responded info-hash matches ours byte for byte. Returns the remote handshake.
func (h *Handshake) Do(rw io.ReadWriter) (*Handshake, error) {
	if err := h.Write(rw); err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	reply, err := ReadHandshake(rw)
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	if reply.InfoHash != h.InfoHash {
		return nil, errors.New("handshake: peer replied with a different info hash")
	}
	return reply, nil
}

//Receive runs the recipient side: read the remote handshake, check that we
//manage its info-hash via known, fill ours in and reply.
func (h *Handshake) Receive(rw io.ReadWriter, known func(infoHash [20]byte) bool) (*Handshake, error) {
	remote, err := ReadHandshake(rw)
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	if !known(remote.InfoHash) {
		return nil, errors.New("handshake: unknown info hash")
	}
	h.InfoHash = remote.InfoHash
	if err = h.Write(rw); err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	return remote, nil
}

//Write emits the 68 bytes in a single Write call.
func (h *Handshake) Write(w io.Writer) error {
	var b bytes.Buffer
	b.WriteByte(protoLen)
	b.Write(proto[:])
	if err := binary.Write(&b, binary.BigEndian, h); err != nil {
		panic(err)
	}
	if b.Len() != HandshakeLen {
		panic("handshake encoded to wrong length")
	}
	_, err := w.Write(b.Bytes())
	return err
}

//ReadHandshake reads exactly 68 bytes and validates the protocol tag.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	buf := make([]byte, HandshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	if buf[0] != protoLen || !bytes.Equal(buf[1:20], proto[:]) {
		return nil, errors.New("read handshake: not the BitTorrent protocol")
	}
	h := new(Handshake)
	if err := binary.Read(bytes.NewReader(buf[20:]), binary.BigEndian, h); err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	return h, nil
}
