// Package endpoint implements the datagram endpoint (§4.J): a single
// non-blocking socket multiplexed across many remote-addressed
// connections, with uniqueness enforced on the addr -> connection map and
// unrecognized senders surfaced as PotentialNewPeer events for the
// handshake layer to consume.
package endpoint

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"moto-net/connection"
)

// State mirrors the endpoint lifecycle named in §4.J.
type State int

const (
	Active State = iota
	Closing
	Closed
)

// PotentialNewPeer is emitted when a datagram arrives from an address with
// no existing connection and the endpoint is listening.
type PotentialNewPeer struct {
	Addr    net.Addr
	Payload []byte
}

// Socket is the minimal non-blocking datagram capability an Endpoint
// needs. The *net.UDPConn returned by udptransport.Listen and
// udptransport.Conn satisfy it; quictransport.Substrate does not.
type Socket interface {
	ReadFrom(buf []byte) (n int, addr net.Addr, err error)
	WriteTo(buf []byte, addr net.Addr) (n int, err error)
	LocalAddr() net.Addr
	Close() error
}

var (
	// ErrAlreadyConnected is returned by AddConnection when addr already
	// has a connection bound to this endpoint (the uniqueness invariant).
	ErrAlreadyConnected = errors.New("endpoint: address already has a connection")
	// ErrUnknownPeer is returned by RemoveConnection for an address with no
	// tracked connection.
	ErrUnknownPeer = errors.New("endpoint: no connection for address")
)

// attemptTracker rate-limits in-flight handshake attempts per remote
// address, the same shape as the teacher's IP-based WAF counter in
// controller/server.go, repurposed here from a request-count ceiling to an
// auto-expiring "one attempt in flight" marker keyed by addr.
type attemptTracker struct {
	c *cache.Cache
}

func newAttemptTracker(attemptTimeout time.Duration) *attemptTracker {
	return &attemptTracker{c: cache.New(attemptTimeout, 2*attemptTimeout)}
}

func (t *attemptTracker) inProgress(addr string) bool {
	_, found := t.c.Get(addr)
	return found
}

func (t *attemptTracker) mark(addr string) {
	t.c.SetDefault(addr, struct{}{})
}

func (t *attemptTracker) clear(addr string) {
	t.c.Delete(addr)
}

// Endpoint owns one socket and the set of connections multiplexed over it.
type Endpoint struct {
	mu sync.Mutex

	socket Socket
	log    *zap.Logger

	connections map[string]*connection.Connection
	addrIndex   map[string]net.Addr

	listening      bool
	closeOnEmpty   bool
	hasEverHadPeer bool

	state State

	attempts *attemptTracker
}

// New returns an Active endpoint bound to socket. listening controls
// whether unrecognized senders produce PotentialNewPeer events or are
// silently dropped.
func New(socket Socket, listening bool, attemptTimeout time.Duration, log *zap.Logger) *Endpoint {
	return &Endpoint{
		socket:      socket,
		log:         log,
		connections: make(map[string]*connection.Connection),
		addrIndex:   make(map[string]net.Addr),
		listening:   listening,
		attempts:    newAttemptTracker(attemptTimeout),
		state:       Active,
	}
}

// Address returns the locally bound address.
func (e *Endpoint) Address() net.Addr { return e.socket.LocalAddr() }

// State returns the endpoint's current lifecycle state.
func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SetCloseOnEmpty configures the endpoint to close itself once it has had
// at least one peer and its connection set becomes empty again.
func (e *Endpoint) SetCloseOnEmpty(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeOnEmpty = v
}

// AddConnection binds conn to addr, enforcing at most one connection per
// remote address.
func (e *Endpoint) AddConnection(addr net.Addr, conn *connection.Connection) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := addr.String()
	if _, ok := e.connections[key]; ok {
		return ErrAlreadyConnected
	}
	e.connections[key] = conn
	e.addrIndex[key] = addr
	e.hasEverHadPeer = true
	e.attempts.clear(key)
	return nil
}

// RemoveConnection unbinds the connection at addr. If close_on_empty is
// set and this was the last connection, the endpoint transitions to
// Closing.
func (e *Endpoint) RemoveConnection(addr net.Addr) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := addr.String()
	if _, ok := e.connections[key]; !ok {
		return ErrUnknownPeer
	}
	delete(e.connections, key)
	delete(e.addrIndex, key)
	if e.closeOnEmpty && e.hasEverHadPeer && len(e.connections) == 0 && e.state == Active {
		e.state = Closing
	}
	return nil
}

// Lookup returns the connection bound to addr, if any.
func (e *Endpoint) Lookup(addr net.Addr) (*connection.Connection, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.connections[addr.String()]
	return c, ok
}

// ConnectionCount reports how many connections are currently bound.
func (e *Endpoint) ConnectionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.connections)
}

// Addrs returns a snapshot of every remote address currently bound to a
// connection, for drivers that need to iterate the set (e.g. to tick each
// connection once per scheduler pass).
func (e *Endpoint) Addrs() []net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]net.Addr, 0, len(e.addrIndex))
	for _, a := range e.addrIndex {
		out = append(out, a)
	}
	return out
}

// PollInbound reads one datagram from the socket. If the sender is known,
// it is handed to that connection's HandleInbound directly and nil,nil is
// returned. If the sender is unknown and the endpoint is listening and has
// no attempt already in flight for that address, a PotentialNewPeer is
// returned for the handshake layer. Unknown senders are otherwise dropped
// silently (§4.J). A socket read error is returned unchanged with a nil
// peer; callers should treat net.ErrClosed or a would-block-style error as
// "nothing to do this poll".
func (e *Endpoint) PollInbound(buf []byte, now time.Time) (*PotentialNewPeer, error) {
	n, addr, err := e.socket.ReadFrom(buf)
	if err != nil {
		return nil, err
	}
	payload := append([]byte(nil), buf[:n]...)

	e.mu.Lock()
	conn, known := e.connections[addr.String()]
	listening := e.listening
	e.mu.Unlock()

	if known {
		conn.HandleInbound(payload, now, nil)
		return nil, nil
	}

	if !listening {
		return nil, nil
	}

	key := addr.String()
	e.mu.Lock()
	inProgress := e.attempts.inProgress(key)
	if !inProgress {
		e.attempts.mark(key)
	}
	e.mu.Unlock()
	if inProgress {
		return nil, nil
	}

	return &PotentialNewPeer{Addr: addr, Payload: payload}, nil
}

// SendTo writes an endpoint-level unattached packet (handshake replies,
// rejects) directly to addr, bypassing any connection's queue.
func (e *Endpoint) SendTo(addr net.Addr, payload []byte) error {
	_, err := e.socket.WriteTo(payload, addr)
	if err != nil && e.log != nil {
		e.log.Error("endpoint send failed", zap.String("addr", addr.String()), zap.Error(err))
	}
	return err
}

// Close marks the endpoint Closing; RequestClose should be called on every
// bound connection by the caller (the endpoint has no direct visibility
// into each connection's application-level close reason). Once every
// connection has reached Closed and been removed via RemoveConnection, the
// caller should call FinishClose.
func (e *Endpoint) Close(reason []byte, now time.Time) []*connection.Connection {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = Closing
	conns := make([]*connection.Connection, 0, len(e.connections))
	for _, c := range e.connections {
		conns = append(conns, c)
	}
	return conns
}

// FinishClose transitions a Closing, empty endpoint to Closed and releases
// the socket.
func (e *Endpoint) FinishClose() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Closing {
		return errors.New("endpoint: FinishClose called outside Closing state")
	}
	if len(e.connections) != 0 {
		return errors.New("endpoint: FinishClose called with connections still bound")
	}
	e.state = Closed
	return e.socket.Close()
}
