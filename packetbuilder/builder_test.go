package packetbuilder

import (
	"testing"

	"github.com/stretchr/testify/require"
	"moto-net/reliability"
	"moto-net/wire"
)

func TestBuildSimpleUnreliableExchange(t *testing.T) {
	// Scenario 1: one 5-byte Application frame on channel 0, unreliable.
	rel := reliability.New()
	ident := uint64(0)
	frame := &wire.Frame{Type: wire.FrameApplication, Ident: &ident, Payload: []byte("abcde")}
	qf := &QueuedFrame{Frame: frame, Priority: 0, QueuedAt: 0}

	res, err := Build([]*QueuedFrame{qf}, 1500, 1200, 2, rel)
	require.NoError(t, err)
	require.Len(t, res.Packets, 1)
	require.Empty(t, res.Requeued)
	require.False(t, res.Packets[0].Reliable)
	require.Equal(t, 0, rel.UnackedLen())
}

func TestBuildReliableFrameTracksUnacked(t *testing.T) {
	rel := reliability.New()
	ident := uint64(1)
	frame := &wire.Frame{Type: wire.FrameApplication, Reliable: true, Ident: &ident, Payload: []byte("hello")}
	qf := &QueuedFrame{Frame: frame, Priority: 5}

	res, err := Build([]*QueuedFrame{qf}, 1500, 1200, 2, rel)
	require.NoError(t, err)
	require.Len(t, res.Packets, 1)
	require.True(t, res.Packets[0].Reliable)
	require.Equal(t, 1, rel.UnackedLen())
}

func TestBuildOversizeFrameFails(t *testing.T) {
	rel := reliability.New()
	ident := uint64(0)
	payload := make([]byte, 2000)
	frame := &wire.Frame{Type: wire.FrameApplication, Ident: &ident, Payload: payload}
	qf := &QueuedFrame{Frame: frame}

	_, err := Build([]*QueuedFrame{qf}, 10000, 512, 2, rel)
	require.ErrorIs(t, err, ErrOversizeFrame)
}

func TestBuildBudgetExhaustionRequeues(t *testing.T) {
	rel := reliability.New()
	var pending []*QueuedFrame
	for i := 0; i < 10; i++ {
		ident := uint64(i)
		f := &wire.Frame{Type: wire.FrameApplication, Ident: &ident, Payload: make([]byte, 100)}
		pending = append(pending, &QueuedFrame{Frame: f, Priority: uint32(i)})
	}
	res, err := Build(pending, 300, 1200, 2, rel)
	require.NoError(t, err)
	require.NotEmpty(t, res.Requeued)
	require.NotEmpty(t, res.Packets)
}

func TestBuildPriorityOrdering(t *testing.T) {
	// Higher priority frames should be packed first; each frame encodes to
	// 54 bytes and the budget of 60 admits only one, so packing order shows
	// in which frame got requeued.
	rel := reliability.New()
	low := uint64(0)
	high := uint64(1)
	fLow := &wire.Frame{Type: wire.FrameApplication, Ident: &low, Payload: make([]byte, 50)}
	fHigh := &wire.Frame{Type: wire.FrameApplication, Ident: &high, Payload: make([]byte, 50)}
	pending := []*QueuedFrame{
		{Frame: fLow, Priority: 1},
		{Frame: fHigh, Priority: 100},
	}
	res, err := Build(pending, 60, 1200, 2, rel)
	require.NoError(t, err)
	require.Len(t, res.Requeued, 1)
	require.Equal(t, low, *res.Requeued[0].Frame.Ident, "higher-priority frame should be packed first, low-priority one requeued")
}
