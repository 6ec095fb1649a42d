package tracker

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
)

//A minimal BEP-15 tracker used by the package tests: one goroutine call per
//datagram, torrents registered up front.

type portIP struct {
	IP   [4]byte
	Port uint16
}

type testTorrent struct {
	Leechers int32
	Seeders  int32
	Peers    []portIP
}

type server struct {
	pc       net.PacketConn
	conns    map[int64]struct{}
	torrents map[[20]byte]testTorrent
	interval int32
}

func (s *server) respond(addr net.Addr, rh respHeader, parts ...interface{}) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, rh); err != nil {
		return err
	}
	for _, p := range parts {
		if err := binary.Write(&buf, binary.BigEndian, p); err != nil {
			return err
		}
	}
	_, err := s.pc.WriteTo(buf.Bytes(), addr)
	return err
}

func (s *server) newConn() int64 {
	id := rand.Int63()
	if s.conns == nil {
		s.conns = make(map[int64]struct{})
	}
	s.conns[id] = struct{}{}
	return id
}

func (s *server) serveOne() error {
	b := make([]byte, 0x10000)
	n, addr, err := s.pc.ReadFrom(b)
	if err != nil {
		return err
	}
	r := bytes.NewReader(b[:n])
	var h reqHeader
	if err = binary.Read(r, binary.BigEndian, &h); err != nil {
		return err
	}
	switch h.Action {
	case actionConnect:
		if h.ConnID != protoID {
			return fmt.Errorf("connect without magic protocol id")
		}
		return s.respond(addr, respHeader{actionConnect, h.TxID}, s.newConn())
	case actionAnnounce:
		if _, ok := s.conns[h.ConnID]; !ok {
			s.respond(addr, respHeader{actionError, h.TxID}, []byte("not connected"))
			return fmt.Errorf("client %s announced without connecting", addr)
		}
		var body announceBody
		if err = binary.Read(r, binary.BigEndian, &body); err != nil {
			return err
		}
		tor, ok := s.torrents[body.InfoHash]
		if !ok {
			s.respond(addr, respHeader{actionError, h.TxID}, []byte("unknown torrent"))
			return fmt.Errorf("announce for unknown info hash %x", body.InfoHash)
		}
		interval := s.interval
		if interval == 0 {
			interval = 900
		}
		return s.respond(addr, respHeader{actionAnnounce, h.TxID},
			announceFixed{interval, tor.Leechers, tor.Seeders}, tor.Peers)
	default:
		s.respond(addr, respHeader{actionError, h.TxID}, []byte("unhandled action"))
		return fmt.Errorf("unhandled action %d", h.Action)
	}
}

func (s *server) serve(n int) {
	for i := 0; i < n; i++ {
		if err := s.serveOne(); err != nil {
			return
		}
	}
}
