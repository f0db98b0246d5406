package connection

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitiatorHelloRoundTrip(t *testing.T) {
	h := &InitiatorHello{
		Transport: Version{Ident: 1, Major: 2, Minor: 3},
		App:       Version{Ident: 4, Major: 5, Minor: 6},
	}
	buf := make([]byte, initiatorHelloSize)
	n, err := h.Encode(buf)
	require.NoError(t, err)
	require.Equal(t, initiatorHelloSize, n)

	got, err := DecodeInitiatorHello(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestListenerResponseAcceptRoundTrip(t *testing.T) {
	r := &ListenerResponse{
		Code:      Continue,
		Transport: Version{Ident: 10, Major: 1, Minor: 0},
		App:       Version{Ident: 20, Major: 1, Minor: 0},
		AckSeq:    99,
		AckBits:   0xBEEF,
	}
	buf := make([]byte, listenerResponseAcceptSize)
	n, err := r.Encode(buf)
	require.NoError(t, err)
	require.Equal(t, listenerResponseAcceptSize, n)

	got, err := DecodeListenerResponse(buf)
	require.NoError(t, err)
	require.Equal(t, r, got)
}

func TestListenerResponseRejectRoundTrip(t *testing.T) {
	r := &ListenerResponse{Code: IncompatibleApplicationMajorVersion, Reason: []byte("nope")}
	buf := make([]byte, 2+len(r.Reason))
	n, err := r.Encode(buf)
	require.NoError(t, err)

	got, err := DecodeListenerResponse(buf[:n])
	require.NoError(t, err)
	require.Equal(t, r.Code, got.Code)
	require.Equal(t, r.Reason, got.Reason)
}

func TestVersionRejectScenario(t *testing.T) {
	// Scenario 5: A initiates with app_major=2, B requires app_major=1; B
	// replies IncompatibleApplicationMajorVersion and closes.
	local := ApplicationVersion{Ident: 1, Major: 1, Minor: 0}
	peer := Version{Ident: 1, Major: 2, Minor: 0}
	require.Equal(t, IncompatibleApplicationMajorVersion, local.Validate(peer))
}

func TestApplicationVersionValidateBannedMinor(t *testing.T) {
	local := ApplicationVersion{Ident: 1, Major: 1, Minor: 5, BannedMinors: []uint32{3}}
	require.Equal(t, IncompatibleApplicationMinorVersion, local.Validate(Version{Ident: 1, Major: 1, Minor: 3}))
	require.Equal(t, Continue, local.Validate(Version{Ident: 1, Major: 1, Minor: 4}))
}

func TestWarrantsResponse(t *testing.T) {
	require.False(t, WarrantsResponse(Continue))
	require.False(t, WarrantsResponse(ServerNotListening))
	require.True(t, WarrantsResponse(MalformedPacket))
}

func TestInitiatorFinaliseRoundTrip(t *testing.T) {
	f := &InitiatorFinalise{Code: Continue, AckSeq: 7, AckBits: 0x1234}
	buf := make([]byte, 6)
	_, err := f.Encode(buf)
	require.NoError(t, err)
	got, err := DecodeInitiatorFinalise(buf)
	require.NoError(t, err)
	require.Equal(t, f, got)
}
