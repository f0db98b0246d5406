package session

import (
	"testing"

	"github.com/stretchr/testify/require"
	"moto-net/channel"
)

func TestSequencedDropScenario(t *testing.T) {
	// Scenario 3: messages 1,2,3 arrive as 1,3,2; receiver delivers {1,3},
	// drops 2.
	in := NewIncoming(channel.UnreliableSequenced)
	var delivered []uint16
	for _, seq := range []uint16{1, 3, 2} {
		if in.AdmitSequenced(seq) {
			delivered = append(delivered, seq)
		}
	}
	require.Equal(t, []uint16{1, 3}, delivered)
}

func TestOrderedReliableDeliversInOrder(t *testing.T) {
	// Scenario 4: m1..m4 reordered in flight as m2,m4,m1,m3; receiver
	// delivers m1,m2,m3,m4 in that order.
	in := NewIncoming(channel.ReliableOrdered)
	msgs := map[uint16][]byte{
		0: []byte("m1"),
		1: []byte("m2"),
		2: []byte("m3"),
		3: []byte("m4"),
	}
	order := []uint16{1, 3, 0, 2}

	var delivered [][]byte
	for _, seq := range order {
		delivered = append(delivered, in.AdmitOrdered(seq, msgs[seq])...)
	}
	require.Equal(t, [][]byte{[]byte("m1"), []byte("m2"), []byte("m3"), []byte("m4")}, delivered)
	require.Equal(t, 0, in.BufferedCount())
}

func TestOutgoingNextOrderMonotonic(t *testing.T) {
	out := NewOutgoing(channel.ReliableOrdered)
	require.Equal(t, uint16(0), out.NextOrder())
	require.Equal(t, uint16(1), out.NextOrder())
	require.Equal(t, uint16(2), out.NextOrder())
}

func TestStreamForAllocatesOnce(t *testing.T) {
	out := NewOutgoing(channel.ReliableOrdered)
	calls := 0
	alloc := func() StreamID {
		calls++
		return StreamID(7)
	}
	first := out.StreamFor(alloc)
	second := out.StreamFor(alloc)
	require.Equal(t, StreamID(7), first)
	require.Equal(t, first, second)
	require.Equal(t, 1, calls)
}

func TestSessionsLazilyCreatesPerChannelState(t *testing.T) {
	reg := channel.NewRegistry()
	id, _ := reg.Register("chat", channel.Config{Consistency: channel.ReliableOrdered})
	reg.Freeze()

	sessions := NewSessions(reg)
	out1 := sessions.Outgoing(id)
	out2 := sessions.Outgoing(id)
	require.Same(t, out1, out2)
}
