// Package packetbuilder implements the priority-ordered, MTU-bounded,
// budget-bounded packet assembler (§4.F). It consumes queued outgoing
// frames and produces wire-ready packets, updating reliability state for
// every reliable bin it emits.
package packetbuilder

import (
	"container/heap"
	"errors"

	"moto-net/reliability"
	"moto-net/wire"
)

// reservedPrefix is the header region reserved at the front of every bin, so
// a bin's packed frames never exceed mtu minus this prefix. When a bin is
// finalized the prefix is dropped and the packet header is written ahead of
// the payload in a fresh buffer.
const reservedPrefix = 32

// reliableFrameBias: one reliable frame is drawn for every this-many draws
// when both lanes have frames, biasing bandwidth toward reliable traffic
// without starving unreliable.
const reliableFrameBias = 3

// ErrOversizeFrame is returned when a single frame cannot fit in any packet
// regardless of budget: its encoded size exceeds MTU - reservedPrefix, the
// capacity of an empty bin. The
// datagram path does not fragment; callers must not submit such frames.
var ErrOversizeFrame = errors.New("packetbuilder: frame too large for MTU")

// QueuedFrame is one outgoing frame plus its scheduler keys.
type QueuedFrame struct {
	Frame    *wire.Frame
	Priority uint32
	QueuedAt int64 // unix-nano; older wins ties within a priority class
}

// frameHeap orders QueuedFrame by priority descending, then by age
// (older/smaller QueuedAt) first, matching §4.F step 1's
// sign((prio_a-prio_b)*K + (t_b-t_a)) rule: priority dominates, age only
// breaks ties within the same priority class.
type frameHeap []*QueuedFrame

func (h frameHeap) Len() int { return len(h) }
func (h frameHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].QueuedAt < h[j].QueuedAt
}
func (h frameHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *frameHeap) Push(x any)        { *h = append(*h, x.(*QueuedFrame)) }
func (h *frameHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Packet is one built wire packet ready to hand to the socket.
type Packet struct {
	Bytes    []byte
	Reliable bool
	LocalSeq uint16 // valid iff Reliable
}

// Result is the outcome of one Build invocation.
type Result struct {
	Packets  []*Packet
	Requeued []*QueuedFrame // frames that did not fit this tick
}

type workingBin struct {
	reliable bool
	data     []byte // reservedPrefix zero bytes followed by packed frames
}

func (b *workingBin) remaining(mtu int) int { return mtu - len(b.data) }

// Build drains pending, packing frames into MTU-bounded bins within budget
// bytes, then finalizes each bin into a wire packet. Frames that do not fit
// this tick are returned in Result.Requeued with their original Priority
// and QueuedAt so they age naturally on the next call.
func Build(pending []*QueuedFrame, budget int, mtu int, bitfieldLen int, rel *reliability.State) (*Result, error) {
	var reliableQ, unreliableQ frameHeap
	for _, qf := range pending {
		if qf.Frame.Reliable {
			reliableQ = append(reliableQ, qf)
		} else {
			unreliableQ = append(unreliableQ, qf)
		}
	}
	heap.Init(&reliableQ)
	heap.Init(&unreliableQ)

	var bins []*workingBin
	used := 0
	draw := 0
	var requeued []*QueuedFrame

	for {
		relEmpty := reliableQ.Len() == 0
		unrelEmpty := unreliableQ.Len() == 0
		if relEmpty && unrelEmpty {
			break
		}

		var wantReliable bool
		switch {
		case relEmpty:
			wantReliable = false
		case unrelEmpty:
			wantReliable = true
		case draw%reliableFrameBias == 0:
			wantReliable = true
		default:
			wantReliable = false
		}

		var qf *QueuedFrame
		if wantReliable {
			qf = heap.Pop(&reliableQ).(*QueuedFrame)
		} else {
			qf = heap.Pop(&unreliableQ).(*QueuedFrame)
		}
		draw++

		size := qf.Frame.EncodedSize()
		if size+reservedPrefix > mtu {
			return nil, ErrOversizeFrame
		}
		if used+size > budget {
			requeued = append(requeued, qf)
			continue
		}

		bin := findOrCreateBin(bins, wantReliable, size, mtu)
		if bin == nil {
			bin = newBin(wantReliable, mtu)
			bins = append(bins, bin)
		}

		buf := make([]byte, size)
		if _, err := qf.Frame.Encode(buf); err != nil {
			return nil, err
		}
		bin.data = append(bin.data, buf...)
		used += size
	}

	// Anything left in either lane after budget exhaustion is requeued too.
	for reliableQ.Len() > 0 {
		requeued = append(requeued, heap.Pop(&reliableQ).(*QueuedFrame))
	}
	for unreliableQ.Len() > 0 {
		requeued = append(requeued, heap.Pop(&unreliableQ).(*QueuedFrame))
	}

	packets := make([]*Packet, 0, len(bins))
	for _, bin := range bins {
		payload := bin.data[reservedPrefix:]
		if len(payload) == 0 {
			continue
		}

		hdr := &wire.PacketHeader{Reliable: bin.reliable, RemoteAck: rel.RemoteSeq(), AckBits: rel.AckBits(bitfieldLen)}
		var localSeq uint16
		if bin.reliable {
			localSeq = rel.OnSendReliable()
			hdr.LocalSeq = localSeq
		}

		hdrSize := wire.HeaderSize(bin.reliable, bitfieldLen)
		out := make([]byte, hdrSize+len(payload))
		if _, err := wire.EncodeHeader(out, hdr, bitfieldLen); err != nil {
			return nil, err
		}
		copy(out[hdrSize:], payload)

		if bin.reliable {
			rel.Track(localSeq, append([]byte(nil), payload...))
		}

		packets = append(packets, &Packet{Bytes: out, Reliable: bin.reliable, LocalSeq: localSeq})
	}

	return &Result{Packets: packets, Requeued: requeued}, nil
}

func newBin(reliable bool, mtu int) *workingBin {
	b := &workingBin{reliable: reliable, data: make([]byte, 0, mtu)}
	b.data = append(b.data, make([]byte, reservedPrefix)...)
	return b
}

// findOrCreateBin implements the first-fit search: the first existing bin
// whose remaining capacity fits size and whose reliability tag matches.
func findOrCreateBin(bins []*workingBin, reliable bool, size int, mtu int) *workingBin {
	for _, b := range bins {
		if b.reliable != reliable {
			continue
		}
		if b.remaining(mtu) < size {
			continue
		}
		return b
	}
	return nil
}
