// Package quictransport implements transport.Substrate over quic-go: each
// stream handle is the id of one unidirectional QUIC stream, opened by
// OpenSend or accepted by NextAvailableRecv. Nothing in this module maps a
// session.StreamID onto these streams, and the connection and endpoint
// packages do not use this substrate.
package quictransport

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"

	"github.com/quic-go/quic-go"

	"moto-net/transport"
)

var errUnknownStream = errors.New("quictransport: unknown stream handle")

// Substrate adapts one quic.Connection to transport.Substrate.
type Substrate struct {
	conn quic.Connection

	mu    sync.Mutex
	sends map[transport.StreamHandle]quic.SendStream
	recvs map[transport.StreamHandle]quic.ReceiveStream
}

// Dial opens a QUIC connection to addr using tlsConf and config (nil
// config accepts quic-go's defaults).
func Dial(ctx context.Context, addr string, tlsConf *tls.Config, config *quic.Config) (*Substrate, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConf, config)
	if err != nil {
		return nil, err
	}
	return wrap(conn), nil
}

// Listen binds a QUIC listener at addr; call Accept on the result to
// obtain per-peer Substrate instances as initiators connect.
func Listen(addr string, tlsConf *tls.Config, config *quic.Config) (*quic.Listener, error) {
	return quic.ListenAddr(addr, tlsConf, config)
}

// Accept blocks for the next incoming QUIC connection on ln and wraps it.
func Accept(ctx context.Context, ln *quic.Listener) (*Substrate, error) {
	conn, err := ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return wrap(conn), nil
}

func wrap(conn quic.Connection) *Substrate {
	return &Substrate{
		conn:  conn,
		sends: make(map[transport.StreamHandle]quic.SendStream),
		recvs: make(map[transport.StreamHandle]quic.ReceiveStream),
	}
}

// recvAdapter gives a quic.ReceiveStream an io.Closer: quic-go's
// ReceiveStream has no Close, only CancelRead, so Close here cancels with
// no error code rather than blocking for a clean stream end.
type recvAdapter struct{ quic.ReceiveStream }

func (r recvAdapter) Close() error {
	r.ReceiveStream.CancelRead(0)
	return nil
}

// OpenSend opens a new outbound unidirectional QUIC stream and registers
// it under its QUIC stream id cast to a StreamHandle.
func (s *Substrate) OpenSend(ctx context.Context) (transport.StreamHandle, error) {
	st, err := s.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return 0, err
	}
	handle := transport.StreamHandle(st.StreamID())
	s.mu.Lock()
	s.sends[handle] = st
	s.mu.Unlock()
	return handle, nil
}

// GetSend returns the send side of a stream previously returned by
// OpenSend.
func (s *Substrate) GetSend(handle transport.StreamHandle) (transport.SendStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sends[handle]
	if !ok {
		return nil, errUnknownStream
	}
	return st, nil
}

// GetRecv returns the receive side of a stream the peer opened, matched by
// the handle NextAvailableRecv returned.
func (s *Substrate) GetRecv(handle transport.StreamHandle) (transport.RecvStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.recvs[handle]
	if !ok {
		return nil, errUnknownStream
	}
	return recvAdapter{st}, nil
}

// NextAvailableSend opens a fresh outbound stream; QUIC's own flow control
// governs how many may be concurrently open, so this simply delegates to
// OpenSend's sync variant, which blocks until the peer's stream-limit
// window permits one more.
func (s *Substrate) NextAvailableSend(ctx context.Context) (transport.StreamHandle, error) {
	return s.OpenSend(ctx)
}

// NextAvailableRecv blocks until the peer opens a new unidirectional
// stream this side hasn't seen, registers it, and returns its handle.
func (s *Substrate) NextAvailableRecv(ctx context.Context) (transport.StreamHandle, error) {
	st, err := s.conn.AcceptUniStream(ctx)
	if err != nil {
		return 0, err
	}
	handle := transport.StreamHandle(st.StreamID())
	s.mu.Lock()
	s.recvs[handle] = st
	s.mu.Unlock()
	return handle, nil
}

// Close closes the underlying QUIC connection.
func (s *Substrate) Close() error {
	return s.conn.CloseWithError(0, "connection closed")
}

var _ transport.Substrate = (*Substrate)(nil)
