// Package session implements per-channel session state: outgoing sequence
// counters for sequenced/ordered channels, stable outbound stream ids for
// reliable-ordered channels, and inbound sequencing/reorder enforcement.
package session

import (
	"sync"

	"moto-net/channel"
	"moto-net/wire"
)

// StreamID is a stable outbound identity for a reliable-ordered channel; in
// QUIC-backed mode this maps onto a unidirectional QUIC stream id.
type StreamID uint64

// Outgoing tracks one channel's outbound sequencing state.
type Outgoing struct {
	mu         sync.Mutex
	consistency channel.Consistency
	nextSeq    wire.Seq16
	streamID   StreamID
	haveStream bool
}

// NewOutgoing returns outbound session state for a channel with the given
// consistency.
func NewOutgoing(c channel.Consistency) *Outgoing {
	return &Outgoing{consistency: c}
}

// NextOrder returns the ordering sequence to attach to the next submitted
// message and advances the counter. Only meaningful for Sequenced and
// Ordered-reliable channels; callers must not call it for Unordered
// channels (there is no session to consult).
func (o *Outgoing) NextOrder() uint16 {
	o.mu.Lock()
	defer o.mu.Unlock()
	seq := o.nextSeq.Value()
	o.nextSeq.Increment()
	return seq
}

// StreamFor returns the stable outbound stream id for a reliable-ordered
// channel, allocating one on first use via alloc.
func (o *Outgoing) StreamFor(alloc func() StreamID) StreamID {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.haveStream {
		o.streamID = alloc()
		o.haveStream = true
	}
	return o.streamID
}

// Incoming tracks one channel's inbound delivery state.
type Incoming struct {
	mu           sync.Mutex
	consistency  channel.Consistency
	haveLast     bool
	lastDelivered wire.Seq16
	reorder      map[uint16][]byte // reliable-ordered out-of-order buffer
	nextExpected uint16
}

// NewIncoming returns inbound session state for a channel with the given
// consistency. Reliable-ordered delivery expects the peer's outgoing
// sequence to start at 0 (session.Outgoing.NextOrder's first value), so the
// next-expected counter starts there too rather than being inferred from
// whichever frame happens to arrive first.
func NewIncoming(c channel.Consistency) *Incoming {
	return &Incoming{consistency: c, reorder: make(map[uint16][]byte)}
}

// AdmitSequenced reports whether an UnreliableSequenced message with the
// given sequence should be delivered, updating last-delivered if so.
// Messages not newer than the last delivered sequence are dropped.
func (in *Incoming) AdmitSequenced(seq uint16) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	s := wire.NewSeq16(seq)
	if !in.haveLast {
		in.lastDelivered = s
		in.haveLast = true
		return true
	}
	if s.NewerThan(in.lastDelivered) {
		in.lastDelivered = s
		return true
	}
	return false
}

// AdmitOrdered buffers an inbound reliable-ordered payload under seq and
// returns, in order, every payload now ready for delivery (the frame whose
// sequence is next-expected, plus any contiguously-buffered successors).
// The reliability layer is assumed to guarantee eventual arrival of every
// sequence, so this never drops a frame; it only reorders.
func (in *Incoming) AdmitOrdered(seq uint16, payload []byte) [][]byte {
	in.mu.Lock()
	defer in.mu.Unlock()

	in.reorder[seq] = payload

	var ready [][]byte
	for {
		p, ok := in.reorder[in.nextExpected]
		if !ok {
			break
		}
		ready = append(ready, p)
		delete(in.reorder, in.nextExpected)
		in.nextExpected++
	}
	return ready
}

// BufferedCount reports how many reliable-ordered frames are currently
// held back waiting for an earlier sequence to arrive.
func (in *Incoming) BufferedCount() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.reorder)
}

// Sessions is the per-connection collection of outgoing/incoming session
// state, keyed by channel id.
type Sessions struct {
	mu       sync.Mutex
	registry *channel.Registry
	out      map[channel.ID]*Outgoing
	in       map[channel.ID]*Incoming
	nextStream StreamID
}

// NewSessions returns an empty session table bound to reg, which must
// already be frozen.
func NewSessions(reg *channel.Registry) *Sessions {
	return &Sessions{registry: reg, out: make(map[channel.ID]*Outgoing), in: make(map[channel.ID]*Incoming)}
}

// Outgoing returns (creating if necessary) the outbound session state for
// id.
func (s *Sessions) Outgoing(id channel.ID) *Outgoing {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.out[id]
	if !ok {
		cfg, _ := s.registry.LookupByID(id)
		o = NewOutgoing(cfg.Consistency)
		s.out[id] = o
	}
	return o
}

// Incoming returns (creating if necessary) the inbound session state for
// id.
func (s *Sessions) Incoming(id channel.ID) *Incoming {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.in[id]
	if !ok {
		cfg, _ := s.registry.LookupByID(id)
		in = NewIncoming(cfg.Consistency)
		s.in[id] = in
	}
	return in
}

// AllocStream hands out the next stable outbound stream id for a
// reliable-ordered channel.
func (s *Sessions) AllocStream() StreamID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextStream
	s.nextStream++
	return id
}
