// Package udp implements the UDP tracker protocol (BEP 15, with the BEP 41
// extension block and IPv6 announces), grounded on canonical chihaya's
// frontend/udp package.
package udp

import (
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pushrax/bufferpool"

	"github.com/chihayatrack/chihayad/bittorrent"
	"github.com/chihayatrack/chihayad/stats"
	"github.com/chihayatrack/chihayad/tracker"
)

const (
	actionConnect  uint32 = 0
	actionAnnounce uint32 = 1
	actionScrape   uint32 = 2
	actionError    uint32 = 3

	connectRequestSize = 16
	minRequestSize     = 16
)

var (
	initialConnID = uint64(0x41727101980)

	errMalformedConnID = errors.New("udp: malformed connection id")
)

// Config holds the UDP front-end's listening and protocol parameters.
type Config struct {
	Addr          string
	MaxClockSkew  time.Duration
	ConnIDSecret  []byte
	SocketBuffer  int
}

// Frontend serves the UDP tracker protocol on a single socket, one goroutine
// per inbound datagram (canonical chihaya's frontend/udp/frontend.go).
type Frontend struct {
	cfg     Config
	tracker *tracker.Tracker
	connIDs *ConnectionIDGenerator

	socket  *net.UDPConn
	closing chan struct{}
	wg      sync.WaitGroup

	pool *bufferpool.BufferPool
}

// NewFrontend constructs a UDP front-end bound to cfg.Addr once Serve is
// called.
func NewFrontend(t *tracker.Tracker, cfg Config) *Frontend {
	if cfg.MaxClockSkew <= 0 {
		cfg.MaxClockSkew = 2 * time.Minute
	}
	return &Frontend{
		cfg:     cfg,
		tracker: t,
		connIDs: NewConnectionIDGenerator(cfg.ConnIDSecret),
		closing: make(chan struct{}),
		pool:    bufferpool.New(1024, 2048),
	}
}

// Serve binds the UDP socket and blocks, dispatching a goroutine per
// datagram, until Stop is called.
func (f *Frontend) Serve() error {
	udpAddr, err := net.ResolveUDPAddr("udp", f.cfg.Addr)
	if err != nil {
		return err
	}
	socket, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	f.socket = socket
	if f.cfg.SocketBuffer > 0 {
		_ = f.socket.SetReadBuffer(f.cfg.SocketBuffer)
	}

	glog.Infof("udp: listening on %s", f.socket.LocalAddr())

	for {
		buf := f.pool.Take()
		n, addr, err := f.socket.ReadFromUDP(buf[:cap(buf)])
		if err != nil {
			f.pool.Give(buf)
			select {
			case <-f.closing:
				return nil
			default:
				if ne, ok := err.(net.Error); ok && ne.Temporary() {
					continue
				}
				return err
			}
		}

		f.wg.Add(1)
		go func(b []byte, addr *net.UDPAddr) {
			defer f.wg.Done()
			defer f.pool.Give(b)
			resp, _ := f.handle(b, addr)
			if resp != nil {
				_, _ = f.socket.WriteToUDP(resp, addr)
			}
		}(buf[:n], addr)
	}
}

// Stop closes the socket and waits for in-flight datagrams to finish.
func (f *Frontend) Stop() {
	close(f.closing)
	if f.socket != nil {
		_ = f.socket.Close()
	}
	f.wg.Wait()
}

func (f *Frontend) handle(b []byte, addr *net.UDPAddr) ([]byte, uint32) {
	if len(b) < minRequestSize {
		return nil, actionError
	}

	connID := binary.BigEndian.Uint64(b[0:8])
	action := binary.BigEndian.Uint32(b[8:12])
	txID := b[12:16]

	if action != actionConnect {
		if !f.connIDs.Validate(connID, addr.IP, time.Now(), f.cfg.MaxClockSkew) {
			return newErrorResponse(txID, bittorrent.ErrConnectionIDExpired), actionError
		}
	}

	switch action {
	case actionConnect:
		if connID != initialConnID {
			return newErrorResponse(txID, bittorrent.ErrMalformedPacket), actionError
		}
		return f.handleConnect(txID, addr), actionConnect

	case actionAnnounce:
		return f.handleAnnounce(b[16:], txID, addr, bittorrent.IPv4), actionAnnounce

	case actionScrape:
		return f.handleScrape(b[16:], txID, addr), actionScrape

	default:
		return newErrorResponse(txID, bittorrent.ErrMalformedPacket), actionError
	}
}

func (f *Frontend) handleConnect(txID []byte, addr *net.UDPAddr) []byte {
	if bittorrent.NewIP(addr.IP).AddressFamily == bittorrent.IPv6 {
		stats.RecordEvent(stats.UDP6Connection)
	} else {
		stats.RecordEvent(stats.UDP4Connection)
	}

	newID := f.connIDs.Generate(addr.IP, time.Now())
	resp := make([]byte, 16)
	binary.BigEndian.PutUint32(resp[0:4], actionConnect)
	copy(resp[4:8], txID)
	binary.BigEndian.PutUint64(resp[8:16], newID)
	return resp
}

func newErrorResponse(txID []byte, err error) []byte {
	msg := err.Error()
	resp := make([]byte, 8+len(msg))
	binary.BigEndian.PutUint32(resp[0:4], actionError)
	copy(resp[4:8], txID)
	copy(resp[8:], msg)
	return resp
}
