package tracker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"
)

const (
	actionConnect int32 = iota
	actionAnnounce
	actionScrape
	actionError

	protoID int64 = 0x41727101980

	//per request/response step
	udpStepTimeout = 5 * time.Second
	//a connection id is usable for one minute after CONNECT
	connIDLifetime = time.Minute
	udpMaxRetries  = 3
)

var errConnIDExpired = errors.New("udp tracker: connection id expired")

//UDPTracker speaks BEP-15 over a datagram socket bound to the address
//family of the resolved host.
type UDPTracker struct {
	url           string
	host          string
	conn          net.Conn
	connID        int64
	lastConnected time.Time
}

func (t *UDPTracker) URL() string { return t.url }

type respHeader struct {
	Action int32
	TxID   int32
}

type reqHeader struct {
	ConnID int64
	Action int32
	TxID   int32
}

type connectReq struct {
	ProtoID int64
	Action  int32
	TxID    int32
}

//announceBody is the fixed part of the 98-byte ANNOUNCE request after the
//header; all integers big-endian.
type announceBody struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Downloaded int64
	Left       int64
	Uploaded   int64
	Event      int32
	IP         int32
	Key        int32
	NumWant    int32
	Port       uint16
}

type announceFixed struct {
	Interval int32
	Leechers int32
	Seeders  int32
}

func (t *UDPTracker) Announce(ctx context.Context, r AnnounceReq) (*AnnounceResp, error) {
	resp, err := t.announce(ctx, r)
	if errors.Is(err, errConnIDExpired) {
		resp, err = t.announce(ctx, r)
	}
	if err != nil {
		return nil, fmt.Errorf("udp announce: %w", err)
	}
	return resp, nil
}

func (t *UDPTracker) connect(ctx context.Context) error {
	if t.connected() {
		return nil
	}
	if t.conn == nil {
		conn, err := (&net.Dialer{}).DialContext(ctx, "udp", t.host)
		if err != nil {
			return fmt.Errorf("dial: %w", err)
		}
		t.conn = conn
	}
	txID := rand.Int31()
	buf, err := t.roundTrip(ctx, respHeader{actionConnect, txID}, connectReq{protoID, actionConnect, txID})
	if err != nil {
		return err
	}
	var connID int64
	if err = binary.Read(buf, binary.BigEndian, &connID); err != nil {
		return fmt.Errorf("read connection id: %w", err)
	}
	t.connID = connID
	t.lastConnected = time.Now()
	return nil
}

func (t *UDPTracker) announce(ctx context.Context, r AnnounceReq) (*AnnounceResp, error) {
	if err := t.connect(ctx); err != nil {
		return nil, err
	}
	txID := rand.Int31()
	body := announceBody{
		InfoHash:   r.InfoHash,
		PeerID:     r.PeerID,
		Downloaded: r.Downloaded,
		Left:       r.Left,
		Uploaded:   r.Uploaded,
		Event:      int32(r.Event),
		Key:        r.Key,
		NumWant:    r.NumWant,
		Port:       r.Port,
	}
	buf, err := t.roundTrip(ctx, respHeader{actionAnnounce, txID}, reqHeader{t.connID, actionAnnounce, txID}, body)
	if err != nil {
		return nil, err
	}
	var fixed announceFixed
	if err = binary.Read(buf, binary.BigEndian, &fixed); err != nil {
		return nil, fmt.Errorf("read announce response: %w", err)
	}
	peers, err := compactPeers(buf.Bytes()).peers()
	if err != nil {
		return nil, err
	}
	return &AnnounceResp{fixed.Interval, fixed.Leechers, fixed.Seeders, peers}, nil
}

//roundTrip writes one request and reads matching datagrams, retransmitting on
//step timeouts until the context or the retry budget runs out.
func (t *UDPTracker) roundTrip(ctx context.Context, expect respHeader, parts ...interface{}) (*bytes.Buffer, error) {
	var req bytes.Buffer
	for _, p := range parts {
		if err := binary.Write(&req, binary.BigEndian, p); err != nil {
			return nil, err
		}
	}
	recv := make([]byte, 0x1000)
	for try := 0; ; try++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := t.conn.Write(req.Bytes()); err != nil {
			return nil, fmt.Errorf("write request: %w", err)
		}
		deadline := time.Now().Add(udpStepTimeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		if err := t.conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		n, err := t.conn.Read(recv)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				if expect.Action != actionConnect && !t.connected() {
					return nil, errConnIDExpired
				}
				if try+1 < udpMaxRetries {
					continue
				}
				return nil, fmt.Errorf("no response after %d tries: %w", udpMaxRetries, err)
			}
			return nil, fmt.Errorf("read response: %w", err)
		}
		buf := bytes.NewBuffer(append([]byte(nil), recv[:n]...))
		if err := checkRespHeader(buf, expect); err != nil {
			return nil, err
		}
		return buf, nil
	}
}

func (t *UDPTracker) connected() bool {
	return !t.lastConnected.IsZero() && time.Since(t.lastConnected) < connIDLifetime
}

func checkRespHeader(buf *bytes.Buffer, expect respHeader) error {
	minLen := 8
	switch expect.Action {
	case actionConnect:
		minLen = 16
	case actionAnnounce:
		minLen = 20
	}
	if buf.Len() < minLen {
		return fmt.Errorf("response of %d bytes is too small", buf.Len())
	}
	var header respHeader
	if err := binary.Read(buf, binary.BigEndian, &header); err != nil {
		return err
	}
	if header.TxID != expect.TxID {
		return errors.New("transaction id mismatch")
	}
	if header.Action == actionError {
		return errors.New("tracker error: " + buf.String())
	}
	if header.Action != expect.Action {
		return fmt.Errorf("expected action %d, got %d", expect.Action, header.Action)
	}
	return nil
}
