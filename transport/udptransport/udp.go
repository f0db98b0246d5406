// Package udptransport implements transport.Substrate over a plain,
// non-blocking net.UDPConn, the substrate original_source/udp/src/endpoint
// is built on (endpoint/mod.rs's Endpoint::bind, endpoint/sending.rs's
// io_sending_system). There is no native stream concept on raw UDP, so
// every OpenSend/GetSend/GetRecv call resolves to the same underlying
// socket: the handle exists only to satisfy transport.Substrate's shape.
package udptransport

import (
	"context"
	"net"
	"time"

	"moto-net/transport"
)

const singleStream = 0

// Conn adapts a *net.UDPConn (or anything satisfying the same subset) into
// an endpoint.Socket for a fixed peer address, and separately exposes the
// transport.Substrate capability set used by connection/session code that
// doesn't care it's actually one socket.
type Conn struct {
	udp  *net.UDPConn
	peer net.Addr
}

// Dial opens a UDP socket connected to addr (teacher idiom:
// net.Dialer{Timeout: ...}.Dial, adapted here to the "udp" network).
func Dial(addr string, timeout time.Duration) (*Conn, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	dialer := &net.Dialer{Timeout: timeout}
	c, err := dialer.Dial("udp", raddr.String())
	if err != nil {
		return nil, err
	}
	udpConn := c.(*net.UDPConn)
	return &Conn{udp: udpConn, peer: raddr}, nil
}

// Listen binds a UDP socket at addr for accepting handshakes from many
// peers (endpoint/mod.rs's Endpoint::bind with listening=true).
func Listen(addr string) (*net.UDPConn, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp", laddr)
}

// ReadFrom, WriteTo, LocalAddr, Close satisfy endpoint.Socket directly via
// *net.UDPConn's own methods when Listen is used as the bound socket; Conn
// additionally implements them for the single-peer Dial case.
func (c *Conn) ReadFrom(buf []byte) (int, net.Addr, error) {
	n, err := c.udp.Read(buf)
	return n, c.peer, err
}

func (c *Conn) WriteTo(buf []byte, _ net.Addr) (int, error) {
	return c.udp.Write(buf)
}

func (c *Conn) LocalAddr() net.Addr { return c.udp.LocalAddr() }
func (c *Conn) Close() error        { return c.udp.Close() }

// stream is the no-op send/recv side for the single implicit UDP stream.
type stream struct{ c *Conn }

func (s stream) Write(p []byte) (int, error) { return s.c.udp.Write(p) }
func (s stream) Read(p []byte) (int, error)  { return s.c.udp.Read(p) }
func (s stream) Close() error                { return nil } // the socket outlives any one logical stream

// Substrate implements transport.Substrate over a single UDP socket: every
// handle resolves to the same stream since raw datagrams have no stream
// concept to multiplex.
type Substrate struct {
	conn *Conn
}

// NewSubstrate wraps conn as a transport.Substrate.
func NewSubstrate(conn *Conn) *Substrate { return &Substrate{conn: conn} }

func (s *Substrate) OpenSend(_ context.Context) (transport.StreamHandle, error) {
	return singleStream, nil
}

func (s *Substrate) GetSend(transport.StreamHandle) (transport.SendStream, error) {
	return stream{c: s.conn}, nil
}

func (s *Substrate) GetRecv(transport.StreamHandle) (transport.RecvStream, error) {
	return stream{c: s.conn}, nil
}

func (s *Substrate) NextAvailableSend(_ context.Context) (transport.StreamHandle, error) {
	return singleStream, nil
}

func (s *Substrate) NextAvailableRecv(_ context.Context) (transport.StreamHandle, error) {
	return singleStream, nil
}

func (s *Substrate) Close() error { return s.conn.Close() }

var _ transport.Substrate = (*Substrate)(nil)
