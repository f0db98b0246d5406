package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func u64p(v uint64) *uint64 { return &v }
func u16p(v uint16) *uint16 { return &v }

func TestFrameEncodeDecodeRoundTrip(t *testing.T) {
	cases := []*Frame{
		{Type: FrameApplication, Ident: u64p(5), Payload: []byte("hello")},
		{Type: FrameApplication, Ident: u64p(1234), Order: u16p(42), Payload: []byte("ordered")},
		{Type: FrameControl, Ident: u64p(0), Payload: nil},
		{Type: FrameControl, Payload: []byte("no ident control")},
	}
	for _, f := range cases {
		size := f.EncodedSize()
		buf := make([]byte, size)
		n, err := f.Encode(buf)
		require.NoError(t, err)
		require.Equal(t, size, n, "encoder size estimator must equal bytes written")

		decoded, consumed, err := DecodeFrame(buf)
		require.NoError(t, err)
		require.Equal(t, n, consumed)
		require.Equal(t, f.Type, decoded.Type)
		if f.Ident != nil {
			require.NotNil(t, decoded.Ident)
			require.Equal(t, *f.Ident, *decoded.Ident)
		}
		if f.Order != nil {
			require.NotNil(t, decoded.Order)
			require.Equal(t, *f.Order, *decoded.Order)
		}
		require.Equal(t, f.Payload, decoded.Payload)
	}
}

func TestFrameDecodeNoPayloadOrderedIsIllegal(t *testing.T) {
	// flags: NO_PAYLOAD | IDENTIFIED | ORDERED, type Application
	buf := []byte{0x01 | 0x02 | 0x04, 1}
	_, _, err := DecodeFrame(buf)
	require.ErrorIs(t, err, ErrIncompatibleFlags)
}

func TestFrameDecodeNoPayloadRequiresIdentified(t *testing.T) {
	buf := []byte{0x01, 1} // NO_PAYLOAD without IDENTIFIED
	_, _, err := DecodeFrame(buf)
	require.ErrorIs(t, err, ErrIncompatibleFlags)
}

func TestFrameDecodeUnknownType(t *testing.T) {
	buf := []byte{0x01 | 0x02, 99, 0}
	_, _, err := DecodeFrame(buf)
	require.ErrorIs(t, err, ErrUnknownFrameType)
}

func TestFrameDecodeApplicationRequiresIdent(t *testing.T) {
	buf := []byte{0x00, uint8(FrameApplication)} // payload present, not IDENTIFIED
	_, _, err := DecodeFrame(buf)
	require.ErrorIs(t, err, ErrInvalidFrameIdent)
}

func TestFrameDecodeUnexpectedEnd(t *testing.T) {
	_, _, err := DecodeFrame([]byte{0x01})
	require.ErrorIs(t, err, ErrUnexpectedEnd)
}

func TestFrameDecodeTruncatedPayload(t *testing.T) {
	f := &Frame{Type: FrameApplication, Ident: u64p(1), Payload: []byte("hello world")}
	buf := make([]byte, f.EncodedSize())
	_, err := f.Encode(buf)
	require.NoError(t, err)
	_, _, err = DecodeFrame(buf[:len(buf)-3])
	require.ErrorIs(t, err, ErrInvalidFrameLength)
}
