// Package connection implements the connection state machine (§4.I):
// Handshaking -> Established -> Closing -> Closed, owning the reliability
// state, frame queues, unacked store, per-channel sessions, and a shared
// reference to the channel registry.
package connection

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"moto-net/channel"
	"moto-net/packetbuilder"
	"moto-net/packetreader"
	"moto-net/reliability"
	"moto-net/session"
	"moto-net/wire"
)

// State is one of the four connection lifecycle states.
type State int

const (
	Handshaking State = iota
	Established
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case Established:
		return "established"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason explains why a connection moved to Closing/Closed.
type CloseReason int

const (
	CloseReasonNone CloseReason = iota
	CloseReasonLocalRequest
	CloseReasonRemoteRequest
	CloseReasonProtocolViolation
	CloseReasonTimeout
)

// Control frame idents, per original_source/udp/src/connection/established/control.rs.
const (
	controlBeginClose uint64 = 0
	controlFullyClose uint64 = 1
)

// Config is the subset of the transport's configuration a Connection needs.
type Config struct {
	ReliableBitfieldLength int
	MTU                    int
	SendBudgetPerTick      int
	RetransmitTimeout      time.Duration
	KeepAliveTimeout       time.Duration
	ConnectionTimeout      time.Duration
	ErrorThreshold         int
	Application            ApplicationVersion
	TransportVersion       Version
}

// Sender is the minimal outbound capability a Connection needs from its
// substrate: queue a packet for delivery to the peer.
type Sender interface {
	Send(payload []byte) error
}

// Connection owns one peer's reliability state, frame queues, unacked
// store, per-channel sessions, and a shared reference to the channel
// registry. Per §5, all mutable state here is touched by one logical actor
// (one goroutine driving Tick) at a time.
type Connection struct {
	cfg      Config
	registry *channel.Registry
	sessions *session.Sessions
	rel      *reliability.State
	sender   Sender
	log      *zap.Logger

	state       State
	closeReason CloseReason

	pending []*packetbuilder.QueuedFrame

	lastSentAt     time.Time
	lastReceivedAt time.Time

	violationCount int

	closing *closingState

	// Initiator side of an in-flight handshake; nil once Established.
	outgoingHandshake *outgoingHandshake
}

type closingState struct {
	informed bool // we have sent/received BeginClose
	finished bool // we have received FullyClose
	origin   CloseReason
	reason   []byte
	deadline time.Time
}

type outgoingHandshake struct {
	sentAt time.Time
}

// New returns a fresh Connection in the Handshaking state, bound to reg
// (which must already be frozen) and sender for outbound delivery.
func New(cfg Config, reg *channel.Registry, sender Sender, log *zap.Logger) *Connection {
	return &Connection{
		cfg:      cfg,
		registry: reg,
		sessions: session.NewSessions(reg),
		rel:      reliability.New(),
		sender:   sender,
		log:      log,
		state:    Handshaking,
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() State { return c.state }

// CloseReason returns why the connection transitioned out of Established,
// or CloseReasonNone while still Established/Handshaking.
func (c *Connection) CloseReason() CloseReason { return c.closeReason }

func appVersionToVersion(av ApplicationVersion) Version {
	return Version{Ident: av.Ident, Major: av.Major, Minor: av.Minor}
}

// BeginOutgoingHandshake sends the InitiatorHello and records the attempt
// time so AttemptTimedOut can be checked against attempt_timeout.
func (c *Connection) BeginOutgoingHandshake(now time.Time) error {
	hello := &InitiatorHello{Transport: c.cfg.TransportVersion, App: appVersionToVersion(c.cfg.Application)}
	buf := make([]byte, initiatorHelloSize)
	if _, err := hello.Encode(buf); err != nil {
		return err
	}
	c.outgoingHandshake = &outgoingHandshake{sentAt: now}
	return c.sender.Send(buf)
}

// AttemptTimedOut reports whether an in-flight outgoing handshake has
// exceeded attemptTimeout.
func (c *Connection) AttemptTimedOut(now time.Time, attemptTimeout time.Duration) bool {
	if c.state != Handshaking || c.outgoingHandshake == nil {
		return false
	}
	return now.Sub(c.outgoingHandshake.sentAt) > attemptTimeout
}

// HandleListenerResponse processes the second handshake packet on the
// initiator side. Acceptance moves the connection to Established.
func (c *Connection) HandleListenerResponse(buf []byte, now time.Time) error {
	resp, err := DecodeListenerResponse(buf)
	if err != nil {
		return err
	}
	if resp.Code != Continue {
		c.transitionTo(Closed, CloseReasonProtocolViolation)
		c.log.Warn("handshake rejected", zap.Uint16("code", uint16(resp.Code)))
		return nil
	}

	if code := c.cfg.TransportVersion.Validate(resp.Transport); code != Continue {
		c.sendRejectFinalise(code)
		c.transitionTo(Closed, CloseReasonProtocolViolation)
		return nil
	}
	if code := c.cfg.Application.Validate(resp.App); code != Continue {
		c.sendRejectFinalise(code)
		c.transitionTo(Closed, CloseReasonProtocolViolation)
		return nil
	}

	finalise := &InitiatorFinalise{Code: Continue, AckSeq: resp.AckSeq, AckBits: resp.AckBits}
	fbuf := make([]byte, 6)
	if _, err := finalise.Encode(fbuf); err != nil {
		return err
	}
	if err := c.sender.Send(fbuf); err != nil {
		return err
	}
	c.transitionTo(Established, CloseReasonNone)
	c.lastReceivedAt = now
	c.lastSentAt = now
	return nil
}

func (c *Connection) sendRejectFinalise(code ResponseCode) {
	if !WarrantsResponse(code) {
		return
	}
	f := &InitiatorFinalise{Code: code}
	buf := make([]byte, 2)
	if _, err := f.Encode(buf); err == nil {
		_ = c.sender.Send(buf)
	}
}

// HandleInitiatorHello processes the first handshake packet on the listener
// side, validating versions and replying with a ListenerResponse.
func (c *Connection) HandleInitiatorHello(buf []byte, now time.Time) error {
	hello, err := DecodeInitiatorHello(buf)
	if err != nil {
		return err
	}

	if code := c.cfg.TransportVersion.Validate(hello.Transport); code != Continue {
		resp := &ListenerResponse{Code: code}
		rbuf := make([]byte, 2)
		n, _ := resp.Encode(rbuf)
		if WarrantsResponse(code) {
			_ = c.sender.Send(rbuf[:n])
		}
		c.transitionTo(Closed, CloseReasonProtocolViolation)
		return nil
	}
	if code := c.cfg.Application.Validate(hello.App); code != Continue {
		resp := &ListenerResponse{Code: code}
		rbuf := make([]byte, 2)
		n, _ := resp.Encode(rbuf)
		if WarrantsResponse(code) {
			_ = c.sender.Send(rbuf[:n])
		}
		c.transitionTo(Closed, CloseReasonProtocolViolation)
		return nil
	}

	resp := &ListenerResponse{
		Code:      Continue,
		Transport: c.cfg.TransportVersion,
		App:       appVersionToVersion(c.cfg.Application),
		AckSeq:    c.rel.RemoteSeq(),
		AckBits:   0,
	}
	rbuf := make([]byte, listenerResponseAcceptSize)
	if _, err := resp.Encode(rbuf); err != nil {
		return err
	}
	if err := c.sender.Send(rbuf); err != nil {
		return err
	}
	// Established on first valid inbound hello (listener side); the final
	// ack exchange happens via the initiator's finalise packet, which for
	// the listener is just more data traffic once Established.
	c.transitionTo(Established, CloseReasonNone)
	c.lastReceivedAt = now
	c.lastSentAt = now
	return nil
}

func (c *Connection) transitionTo(s State, reason CloseReason) {
	if c.log != nil {
		c.log.Debug("connection state transition",
			zap.String("from", c.state.String()),
			zap.String("to", s.String()))
	}
	c.state = s
	if reason != CloseReasonNone {
		c.closeReason = reason
	}
}

// Submit enqueues an application payload for delivery on channelID,
// assigning ordering/stream identity per §4.H.
func (c *Connection) Submit(channelID channel.ID, payload []byte, priority uint32, now time.Time) error {
	cfg, ok := c.registry.LookupByID(channelID)
	if !ok {
		return errors.New("connection: unknown channel id")
	}

	ident := uint64(channelID)
	f := &wire.Frame{Type: wire.FrameApplication, Ident: &ident, Payload: payload, Priority: priority, QueuedAt: now.UnixNano()}

	switch cfg.Consistency {
	case channel.UnreliableUnordered:
		f.Reliable = false
	case channel.UnreliableSequenced:
		f.Reliable = false
		out := c.sessions.Outgoing(channelID)
		order := out.NextOrder()
		f.Order = &order
	case channel.ReliableUnordered:
		f.Reliable = true
	case channel.ReliableOrdered:
		f.Reliable = true
		out := c.sessions.Outgoing(channelID)
		order := out.NextOrder()
		f.Order = &order
	}

	c.enqueue(f, priority, now)
	return nil
}

func (c *Connection) enqueue(f *wire.Frame, priority uint32, now time.Time) {
	c.pending = append(c.pending, &packetbuilder.QueuedFrame{Frame: f, Priority: priority, QueuedAt: now.UnixNano()})
}

func (c *Connection) enqueueControl(ident uint64, payload []byte, reliable bool, now time.Time) {
	id := ident
	f := &wire.Frame{Type: wire.FrameControl, Reliable: reliable, Ident: &id, Payload: payload, Priority: ^uint32(0), QueuedAt: now.UnixNano()}
	c.enqueue(f, ^uint32(0), now)
}

// RequestClose begins a local close: enqueues BeginClose and moves to
// Closing.
func (c *Connection) RequestClose(reason []byte, now time.Time) {
	if c.state != Established {
		return
	}
	c.enqueueControl(controlBeginClose, reason, false, now)
	c.closing = &closingState{informed: true, origin: CloseReasonLocalRequest, deadline: now.Add(c.cfg.ConnectionTimeout)}
	c.transitionTo(Closing, CloseReasonLocalRequest)
}

// HandleInbound processes one inbound datagram while Established or
// Closing: decodes the packet, applies reliability bookkeeping, and
// dispatches each frame to the channel/control handlers. appDeliver is
// called once per deliverable Application frame payload (post session
// ordering/dedup); it may be nil if the caller only cares about control
// traffic.
func (c *Connection) HandleInbound(packet []byte, now time.Time, appDeliver func(channel.ID, []byte)) {
	if c.state != Established && c.state != Closing {
		return
	}

	res, err := packetreader.Read(packet, c.cfg.ReliableBitfieldLength, c.rel)
	if err != nil {
		c.countViolation()
		return
	}
	c.lastReceivedAt = now

	for _, f := range res.Frames {
		switch f.Type {
		case wire.FrameControl:
			c.handleControlFrame(f, now)
		case wire.FrameApplication:
			c.handleApplicationFrame(f, appDeliver)
		}
	}
	if res.FrameErr != nil {
		c.countViolation()
	}
}

func (c *Connection) handleControlFrame(f *wire.Frame, now time.Time) {
	if f.Ident == nil {
		c.countViolation()
		return
	}
	switch *f.Ident {
	case controlBeginClose:
		if c.closing == nil {
			c.closing = &closingState{origin: CloseReasonRemoteRequest, deadline: now.Add(c.cfg.ConnectionTimeout)}
			c.transitionTo(Closing, CloseReasonRemoteRequest)
		}
		c.closing.informed = true
		c.closing.reason = f.Payload
		c.enqueueControl(controlFullyClose, nil, false, now)
	case controlFullyClose:
		if c.closing == nil {
			c.closing = &closingState{origin: CloseReasonRemoteRequest, deadline: now.Add(c.cfg.ConnectionTimeout)}
		}
		c.closing.finished = true
		if c.closing.informed {
			c.transitionTo(Closed, c.closing.origin)
		}
	default:
		c.countViolation()
	}
}

func (c *Connection) handleApplicationFrame(f *wire.Frame, deliver func(channel.ID, []byte)) {
	if f.Ident == nil {
		c.countViolation()
		return
	}
	id := channel.ID(*f.Ident)
	cfg, ok := c.registry.LookupByID(id)
	if !ok {
		c.countViolation()
		return
	}

	switch cfg.Consistency {
	case channel.UnreliableUnordered, channel.ReliableUnordered:
		if deliver != nil {
			deliver(id, f.Payload)
		}
	case channel.UnreliableSequenced:
		if f.Order == nil {
			c.countViolation()
			return
		}
		in := c.sessions.Incoming(id)
		if in.AdmitSequenced(*f.Order) && deliver != nil {
			deliver(id, f.Payload)
		}
	case channel.ReliableOrdered:
		if f.Order == nil {
			c.countViolation()
			return
		}
		in := c.sessions.Incoming(id)
		for _, payload := range in.AdmitOrdered(*f.Order, f.Payload) {
			if deliver != nil {
				deliver(id, payload)
			}
		}
	}
}

// sendKeepAlive emits a bare reliable packet carrying an empty frame list,
// per original_source/udp/src/connection/established/polling.rs: keep-alive
// is not a distinct frame type, just a reliable packet header with no
// payload, which still drives the peer's ack/retransmit bookkeeping.
func (c *Connection) sendKeepAlive(now time.Time) error {
	seq := c.rel.OnSendReliable()
	hdr := &wire.PacketHeader{
		Reliable:  true,
		LocalSeq:  seq,
		RemoteAck: c.rel.RemoteSeq(),
		AckBits:   c.rel.AckBits(c.cfg.ReliableBitfieldLength),
	}
	buf := make([]byte, wire.HeaderSize(true, c.cfg.ReliableBitfieldLength))
	if _, err := wire.EncodeHeader(buf, hdr, c.cfg.ReliableBitfieldLength); err != nil {
		return err
	}
	c.rel.Track(seq, nil)
	if err := c.sender.Send(buf); err != nil {
		return err
	}
	c.lastSentAt = now
	return nil
}

// retransmit resends previously encoded frame bytes as a new reliable
// packet under a fresh local sequence.
func (c *Connection) retransmit(frameBytes []byte, now time.Time) error {
	seq := c.rel.OnSendReliable()
	hdr := &wire.PacketHeader{
		Reliable:  true,
		LocalSeq:  seq,
		RemoteAck: c.rel.RemoteSeq(),
		AckBits:   c.rel.AckBits(c.cfg.ReliableBitfieldLength),
	}
	hdrSize := wire.HeaderSize(true, c.cfg.ReliableBitfieldLength)
	buf := make([]byte, hdrSize+len(frameBytes))
	if _, err := wire.EncodeHeader(buf, hdr, c.cfg.ReliableBitfieldLength); err != nil {
		return err
	}
	copy(buf[hdrSize:], frameBytes)
	c.rel.Track(seq, frameBytes)
	if err := c.sender.Send(buf); err != nil {
		return err
	}
	c.lastSentAt = now
	return nil
}

func (c *Connection) countViolation() {
	c.violationCount++
	if c.violationCount >= c.cfg.ErrorThreshold {
		c.transitionTo(Closing, CloseReasonProtocolViolation)
	}
}

// Tick runs one iteration of the Established-state pipeline (§4.I): retransmit
// scan, packet building within budget, and keep-alive/idle timer checks. Any
// state change it makes is visible through State and CloseReason.
func (c *Connection) Tick(now time.Time) {
	if c.state != Established && c.state != Closing {
		return
	}

	// Retransmit scan: each unacked entry is the already-encoded frame
	// payload of one previously sent reliable packet (packetbuilder.Build
	// tracks the packed bin bytes, not a single application frame), so a
	// retransmit resends those same bytes verbatim under a fresh sequence
	// rather than re-wrapping them as a new frame.
	for seq, u := range c.rel.RetransmitCandidates(now, c.cfg.RetransmitTimeout) {
		c.rel.Forget(seq)
		if err := c.retransmit(u.Payload, now); err != nil {
			c.log.Error("retransmit failed", zap.Error(err))
		}
	}

	if len(c.pending) > 0 {
		result, err := packetbuilder.Build(c.pending, c.cfg.SendBudgetPerTick, c.cfg.MTU, c.cfg.ReliableBitfieldLength, c.rel)
		if err != nil {
			c.log.Error("packet build failed", zap.Error(err))
			c.pending = nil
		} else {
			c.pending = result.Requeued
			for _, pkt := range result.Packets {
				if err := c.sender.Send(pkt.Bytes); err != nil {
					c.log.Error("send failed", zap.Error(err))
					continue
				}
				c.lastSentAt = now
			}
		}
	}

	if c.state == Established {
		if !c.lastSentAt.IsZero() && now.Sub(c.lastSentAt) > c.cfg.KeepAliveTimeout {
			if err := c.sendKeepAlive(now); err != nil {
				c.log.Error("keep-alive send failed", zap.Error(err))
			}
		}
		if !c.lastReceivedAt.IsZero() && now.Sub(c.lastReceivedAt) > c.cfg.ConnectionTimeout {
			c.transitionTo(Closing, CloseReasonTimeout)
			c.closing = &closingState{origin: CloseReasonTimeout, deadline: now.Add(c.cfg.ConnectionTimeout)}
		}
	}

	if c.state == Closing && c.closing != nil && now.After(c.closing.deadline) {
		c.transitionTo(Closed, c.closing.origin)
	}
}

// Closed reports whether the connection has reached the terminal state.
func (c *Connection) Closed() bool { return c.state == Closed }
