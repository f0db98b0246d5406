package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPacketHeaderEncodeDecodeRoundTripReliable(t *testing.T) {
	h := &PacketHeader{
		Reliable:  true,
		LocalSeq:  4242,
		RemoteAck: 1000,
		AckBits:   []byte{0xFF, 0x0F, 0x00, 0x01},
	}
	bitfieldLen := len(h.AckBits)
	buf := make([]byte, HeaderSize(h.Reliable, bitfieldLen))

	n, err := EncodeHeader(buf, h, bitfieldLen)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)

	decoded, consumed, err := DecodeHeader(buf, bitfieldLen)
	require.NoError(t, err)
	require.Equal(t, n, consumed)
	require.Equal(t, h.Reliable, decoded.Reliable)
	require.Equal(t, h.LocalSeq, decoded.LocalSeq)
	require.Equal(t, h.RemoteAck, decoded.RemoteAck)
	require.Equal(t, h.AckBits, decoded.AckBits)
}

func TestPacketHeaderEncodeDecodeRoundTripUnreliable(t *testing.T) {
	h := &PacketHeader{
		Reliable:  false,
		RemoteAck: 7,
		AckBits:   []byte{0x00, 0x00},
	}
	bitfieldLen := len(h.AckBits)
	buf := make([]byte, HeaderSize(h.Reliable, bitfieldLen))

	n, err := EncodeHeader(buf, h, bitfieldLen)
	require.NoError(t, err)
	require.Equal(t, n, HeaderSize(false, bitfieldLen))

	decoded, consumed, err := DecodeHeader(buf, bitfieldLen)
	require.NoError(t, err)
	require.Equal(t, n, consumed)
	require.False(t, decoded.Reliable)
	require.Equal(t, uint16(0), decoded.LocalSeq)
	require.Equal(t, h.RemoteAck, decoded.RemoteAck)
	require.Equal(t, h.AckBits, decoded.AckBits)
}

func TestHeaderSizeAccountsForReliableSeq(t *testing.T) {
	require.Equal(t, 1+2+4, HeaderSize(false, 4))
	require.Equal(t, 1+2+2+4, HeaderSize(true, 4))
}

func TestEncodeHeaderRejectsShortBuffer(t *testing.T) {
	h := &PacketHeader{Reliable: true, AckBits: []byte{0x00, 0x00}}
	buf := make([]byte, HeaderSize(true, 2)-1)
	_, err := EncodeHeader(buf, h, 2)
	require.ErrorIs(t, err, ErrShortPacket)
}

func TestDecodeHeaderRejectsTruncatedInput(t *testing.T) {
	_, _, err := DecodeHeader(nil, 2)
	require.ErrorIs(t, err, ErrShortPacket)

	// Reliable flag set but no room for the local sequence.
	_, _, err = DecodeHeader([]byte{headerFlagReliable}, 2)
	require.ErrorIs(t, err, ErrShortPacket)

	// Enough room for the header shape but not the full ack bitfield.
	short := []byte{headerFlagReliable, 0x00, 0x00, 0x00, 0x00, 0x00}
	_, _, err = DecodeHeader(short, 4)
	require.ErrorIs(t, err, ErrShortPacket)
}
