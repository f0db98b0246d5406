// Package transport defines the capability-set abstraction over a
// plain-UDP or QUIC-backed substrate (§9's "Dynamic dispatch over stream
// backends" design note): {open_send, get_send, get_recv,
// next_available_send, next_available_recv} plus opaque stream handles.
// The connection and endpoint packages do not use it; they send and
// receive through connection.Sender and endpoint.Socket.
//
// The plain-UDP substrate (transport/udptransport) has no native stream
// concept, so every handle resolves to the datagram socket itself; the
// QUIC substrate (transport/quictransport) gives each handle its own
// unidirectional QUIC stream.
package transport

import (
	"context"
	"io"
)

// StreamHandle is an opaque send/receive stream identity. For the UDP
// substrate this always resolves to the same underlying socket; for QUIC
// it addresses one unidirectional stream.
type StreamHandle uint64

// SendStream is a substrate-owned destination for one logical stream of
// bytes (a datagram socket for UDP, a QUIC send stream for QUIC).
type SendStream interface {
	io.Writer
	io.Closer
}

// RecvStream is a substrate-owned source of bytes for one logical stream.
type RecvStream interface {
	io.Reader
	io.Closer
}

// Substrate is the capability set §9 names: everything the connection core
// needs from whatever is actually moving bytes, without knowing whether
// that's a raw UDP socket or a QUIC connection.
type Substrate interface {
	// OpenSend allocates a new outbound stream handle. For UDP this is a
	// cheap no-op identity; for QUIC this opens a new unidirectional
	// stream to the peer.
	OpenSend(ctx context.Context) (StreamHandle, error)

	// GetSend returns the send side of a previously opened stream.
	GetSend(handle StreamHandle) (SendStream, error)

	// GetRecv returns the receive side of a stream the peer opened, once
	// available.
	GetRecv(handle StreamHandle) (RecvStream, error)

	// NextAvailableSend blocks until a new outbound stream slot can be
	// opened (relevant to substrates with a bounded concurrent-stream
	// budget; a no-op for UDP).
	NextAvailableSend(ctx context.Context) (StreamHandle, error)

	// NextAvailableRecv blocks until the peer has opened a new stream this
	// side hasn't observed yet, returning its handle.
	NextAvailableRecv(ctx context.Context) (StreamHandle, error)

	// Close releases the substrate's underlying transport resources.
	Close() error
}
