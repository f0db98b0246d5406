package connection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"moto-net/channel"
)

type fakeSender struct {
	sent [][]byte
}

func (f *fakeSender) Send(payload []byte) error {
	cp := append([]byte(nil), payload...)
	f.sent = append(f.sent, cp)
	return nil
}

func testConfig() Config {
	return Config{
		ReliableBitfieldLength: 2,
		MTU:                    1200,
		SendBudgetPerTick:      4096,
		RetransmitTimeout:      50 * time.Millisecond,
		KeepAliveTimeout:       time.Second,
		ConnectionTimeout:      5 * time.Second,
		ErrorThreshold:         8,
		Application:            ApplicationVersion{Ident: 1, Major: 1, Minor: 0},
		TransportVersion:       Version{Ident: 9, Major: 1, Minor: 0},
	}
}

func newTestRegistry(t *testing.T) *channel.Registry {
	t.Helper()
	reg := channel.NewRegistry()
	_, err := reg.Register("reliable-ordered", channel.Config{Consistency: channel.ReliableOrdered, Priority: 10})
	require.NoError(t, err)
	_, err = reg.Register("unreliable-unordered", channel.Config{Consistency: channel.UnreliableUnordered, Priority: 1})
	require.NoError(t, err)
	reg.Freeze()
	return reg
}

func TestHandshakeInitiatorToListenerEstablishesBothSides(t *testing.T) {
	reg := newTestRegistry(t)
	cfgA := testConfig()
	cfgB := testConfig()

	senderA := &fakeSender{}
	senderB := &fakeSender{}
	connA := New(cfgA, reg, senderA, zap.NewNop())
	connB := New(cfgB, reg, senderB, zap.NewNop())

	now := time.Unix(0, 0)
	require.NoError(t, connA.BeginOutgoingHandshake(now))
	require.Len(t, senderA.sent, 1)

	require.NoError(t, connB.HandleInitiatorHello(senderA.sent[0], now))
	require.Equal(t, Established, connB.State())
	require.Len(t, senderB.sent, 1)

	require.NoError(t, connA.HandleListenerResponse(senderB.sent[0], now))
	require.Equal(t, Established, connA.State())
}

func TestHandshakeVersionMismatchClosesListener(t *testing.T) {
	reg := newTestRegistry(t)
	cfgB := testConfig()
	cfgB.Application.Major = 2 // incompatible with the default initiator below

	senderA := &fakeSender{}
	senderB := &fakeSender{}
	connA := New(testConfig(), reg, senderA, zap.NewNop())
	connB := New(cfgB, reg, senderB, zap.NewNop())

	now := time.Unix(0, 0)
	require.NoError(t, connA.BeginOutgoingHandshake(now))
	require.NoError(t, connB.HandleInitiatorHello(senderA.sent[0], now))

	require.Equal(t, Closed, connB.State())
	require.Equal(t, CloseReasonProtocolViolation, connB.CloseReason())
	require.Len(t, senderB.sent, 1) // rejection response sent
}

func establishedPair(t *testing.T) (*Connection, *Connection, *fakeSender, *fakeSender) {
	t.Helper()
	reg := newTestRegistry(t)
	senderA := &fakeSender{}
	senderB := &fakeSender{}
	connA := New(testConfig(), reg, senderA, zap.NewNop())
	connB := New(testConfig(), reg, senderB, zap.NewNop())

	now := time.Unix(0, 0)
	require.NoError(t, connA.BeginOutgoingHandshake(now))
	require.NoError(t, connB.HandleInitiatorHello(senderA.sent[0], now))
	require.NoError(t, connA.HandleListenerResponse(senderB.sent[0], now))
	senderA.sent = nil
	senderB.sent = nil
	return connA, connB, senderA, senderB
}

func TestSubmitAndTickDeliversReliableOrderedInOrder(t *testing.T) {
	connA, connB, senderA, _ := establishedPair(t)
	reg := newTestRegistry(t)
	id, ok := reg.LookupByType("reliable-ordered")
	require.True(t, ok)

	now := time.Unix(1, 0)
	require.NoError(t, connA.Submit(id, []byte("m1"), 5, now))
	require.NoError(t, connA.Submit(id, []byte("m2"), 5, now))
	connA.Tick(now)
	require.NotEmpty(t, senderA.sent)

	var delivered [][]byte
	for _, pkt := range senderA.sent {
		connB.HandleInbound(pkt, now, func(_ channel.ID, payload []byte) {
			delivered = append(delivered, append([]byte(nil), payload...))
		})
	}
	require.Equal(t, [][]byte{[]byte("m1"), []byte("m2")}, delivered)
}

func TestUnreliableUnorderedDelivery(t *testing.T) {
	connA, connB, senderA, _ := establishedPair(t)
	reg := newTestRegistry(t)
	id, ok := reg.LookupByType("unreliable-unordered")
	require.True(t, ok)

	now := time.Unix(1, 0)
	require.NoError(t, connA.Submit(id, []byte("hello"), 1, now))
	connA.Tick(now)
	require.Len(t, senderA.sent, 1)

	var got []byte
	connB.HandleInbound(senderA.sent[0], now, func(_ channel.ID, payload []byte) {
		got = payload
	})
	require.Equal(t, []byte("hello"), got)
}

func TestCloseHandshakeReachesClosedOnBothSides(t *testing.T) {
	connA, connB, senderA, senderB := establishedPair(t)
	now := time.Unix(1, 0)

	connA.RequestClose([]byte("bye"), now)
	require.Equal(t, Closing, connA.State())
	connA.Tick(now)
	require.NotEmpty(t, senderA.sent)

	connB.HandleInbound(senderA.sent[0], now, nil)
	require.Equal(t, Closing, connB.State())
	connB.Tick(now)
	require.NotEmpty(t, senderB.sent)

	connA.HandleInbound(senderB.sent[0], now, nil)
	require.Equal(t, Closed, connA.State())
}

func TestProtocolViolationThresholdClosesConnection(t *testing.T) {
	connA, connB, _, _ := establishedPair(t)
	_ = connA
	now := time.Unix(1, 0)

	for i := 0; i < testConfig().ErrorThreshold; i++ {
		connB.HandleInbound([]byte{0x01}, now, nil) // reliable flag set, no seq bytes: header error
	}
	require.Equal(t, Closing, connB.State())
	require.Equal(t, CloseReasonProtocolViolation, connB.CloseReason())
}

func TestKeepAliveSentAfterIdleTimeout(t *testing.T) {
	connA, _, senderA, _ := establishedPair(t)
	cfg := testConfig()

	base := time.Unix(1, 0)
	connA.lastSentAt = base
	later := base.Add(cfg.KeepAliveTimeout + time.Millisecond)
	connA.Tick(later)
	require.Len(t, senderA.sent, 1)
}

func TestRetransmitResendsUnackedPayloadVerbatim(t *testing.T) {
	connA, connB, senderA, _ := establishedPair(t)
	reg := newTestRegistry(t)
	id, ok := reg.LookupByType("reliable-ordered")
	require.True(t, ok)

	now := time.Unix(1, 0)
	require.NoError(t, connA.Submit(id, []byte("retry-me"), 5, now))
	connA.Tick(now)
	require.Len(t, senderA.sent, 1)
	first := senderA.sent[0]
	senderA.sent = nil

	later := now.Add(testConfig().RetransmitTimeout + 10*time.Millisecond)
	connA.Tick(later)
	require.Len(t, senderA.sent, 1)
	require.NotEqual(t, first, senderA.sent[0]) // different header (seq/ack), same frame body

	var got []byte
	connB.HandleInbound(senderA.sent[0], later, func(_ channel.ID, payload []byte) {
		got = payload
	})
	require.Equal(t, []byte("retry-me"), got)
}
