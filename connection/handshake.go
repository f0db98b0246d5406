package connection

import (
	"encoding/binary"
	"errors"
)

// ResponseCode is the handshake's rejection/accept code, §6 and the
// response-code Open Question, fixed here as a declaration-ordered enum.
type ResponseCode uint16

const (
	Continue ResponseCode = iota
	MalformedPacket
	IncompatibleTransportIdentifier
	IncompatibleTransportMajorVersion
	IncompatibleTransportMinorVersion
	IncompatibleApplicationIdentifier
	IncompatibleApplicationMajorVersion
	IncompatibleApplicationMinorVersion
	ServerNotListening
	Unspecified
)

// silentCodes never warrant a response packet; the handshake attempt just
// drops. Every other non-Continue code gets a one-shot closing packet.
var silentCodes = map[ResponseCode]bool{
	ServerNotListening: true,
}

// Version identifies a transport or application protocol revision.
type Version struct {
	Ident uint64
	Major uint32
	Minor uint32
}

// InitiatorHello is the first handshake packet (32 bytes): transport and
// application identity/version from the connecting peer.
type InitiatorHello struct {
	Transport Version
	App       Version
}

const initiatorHelloSize = 32

var ErrHandshakeShortBuffer = errors.New("connection: handshake buffer too short")

// Encode writes h in the fixed 32-byte wire layout.
func (h *InitiatorHello) Encode(buf []byte) (int, error) {
	if len(buf) < initiatorHelloSize {
		return 0, ErrHandshakeShortBuffer
	}
	binary.BigEndian.PutUint64(buf[0:8], h.Transport.Ident)
	binary.BigEndian.PutUint32(buf[8:12], h.Transport.Major)
	binary.BigEndian.PutUint32(buf[12:16], h.Transport.Minor)
	binary.BigEndian.PutUint64(buf[16:24], h.App.Ident)
	binary.BigEndian.PutUint32(buf[24:28], h.App.Major)
	binary.BigEndian.PutUint32(buf[28:32], h.App.Minor)
	return initiatorHelloSize, nil
}

// DecodeInitiatorHello parses the 32-byte initiator hello.
func DecodeInitiatorHello(buf []byte) (*InitiatorHello, error) {
	if len(buf) < initiatorHelloSize {
		return nil, ErrHandshakeShortBuffer
	}
	return &InitiatorHello{
		Transport: Version{
			Ident: binary.BigEndian.Uint64(buf[0:8]),
			Major: binary.BigEndian.Uint32(buf[8:12]),
			Minor: binary.BigEndian.Uint32(buf[12:16]),
		},
		App: Version{
			Ident: binary.BigEndian.Uint64(buf[16:24]),
			Major: binary.BigEndian.Uint32(buf[24:28]),
			Minor: binary.BigEndian.Uint32(buf[28:32]),
		},
	}, nil
}

// ListenerResponse is the second handshake packet: 38 bytes on accept, or
// 2 bytes plus an optional reason payload on reject.
type ListenerResponse struct {
	Code      ResponseCode
	Transport Version
	App       Version
	AckSeq    uint16
	AckBits   uint16
	Reason    []byte // only meaningful when Code != Continue
}

// listenerResponseAcceptSize is 38, not the 36 spec.md's prose states: the
// fields §6 lists for an accept response (code + two 16-byte versions +
// ack_seq + ack_bits) sum to 38; see DESIGN.md's handshake entry for why
// this implementation keeps every field rather than silently truncating
// one to make the prose's byte count line up.
const listenerResponseAcceptSize = 38

// Encode writes r in its wire layout: listenerResponseAcceptSize bytes on
// accept, or 2+len(Reason) bytes on reject.
func (r *ListenerResponse) Encode(buf []byte) (int, error) {
	if r.Code != Continue {
		n := 2 + len(r.Reason)
		if len(buf) < n {
			return 0, ErrHandshakeShortBuffer
		}
		binary.BigEndian.PutUint16(buf[0:2], uint16(r.Code))
		copy(buf[2:], r.Reason)
		return n, nil
	}
	if len(buf) < listenerResponseAcceptSize {
		return 0, ErrHandshakeShortBuffer
	}
	binary.BigEndian.PutUint16(buf[0:2], uint16(Continue))
	binary.BigEndian.PutUint64(buf[2:10], r.Transport.Ident)
	binary.BigEndian.PutUint32(buf[10:14], r.Transport.Major)
	binary.BigEndian.PutUint32(buf[14:18], r.Transport.Minor)
	binary.BigEndian.PutUint64(buf[18:26], r.App.Ident)
	binary.BigEndian.PutUint32(buf[26:30], r.App.Major)
	binary.BigEndian.PutUint32(buf[30:34], r.App.Minor)
	binary.BigEndian.PutUint16(buf[34:36], r.AckSeq)
	binary.BigEndian.PutUint16(buf[36:38], r.AckBits)
	return listenerResponseAcceptSize, nil
}

// DecodeListenerResponse parses a listener response, dispatching on the
// leading response-code field.
func DecodeListenerResponse(buf []byte) (*ListenerResponse, error) {
	if len(buf) < 2 {
		return nil, ErrHandshakeShortBuffer
	}
	code := ResponseCode(binary.BigEndian.Uint16(buf[0:2]))
	if code != Continue {
		reason := append([]byte(nil), buf[2:]...)
		return &ListenerResponse{Code: code, Reason: reason}, nil
	}
	if len(buf) < listenerResponseAcceptSize {
		return nil, ErrHandshakeShortBuffer
	}
	return &ListenerResponse{
		Code: Continue,
		Transport: Version{
			Ident: binary.BigEndian.Uint64(buf[2:10]),
			Major: binary.BigEndian.Uint32(buf[10:14]),
			Minor: binary.BigEndian.Uint32(buf[14:18]),
		},
		App: Version{
			Ident: binary.BigEndian.Uint64(buf[18:26]),
			Major: binary.BigEndian.Uint32(buf[26:30]),
			Minor: binary.BigEndian.Uint32(buf[30:34]),
		},
		AckSeq:  binary.BigEndian.Uint16(buf[34:36]),
		AckBits: binary.BigEndian.Uint16(buf[36:38]),
	}, nil
}

// InitiatorFinalise is the third handshake packet: 6 bytes on accept, or
// 2+reason bytes on reject.
type InitiatorFinalise struct {
	Code    ResponseCode
	AckSeq  uint16
	AckBits uint16
	Reason  []byte
}

// Encode writes f in its wire layout.
func (f *InitiatorFinalise) Encode(buf []byte) (int, error) {
	if f.Code != Continue {
		n := 2 + len(f.Reason)
		if len(buf) < n {
			return 0, ErrHandshakeShortBuffer
		}
		binary.BigEndian.PutUint16(buf[0:2], uint16(f.Code))
		copy(buf[2:], f.Reason)
		return n, nil
	}
	const n = 6
	if len(buf) < n {
		return 0, ErrHandshakeShortBuffer
	}
	binary.BigEndian.PutUint16(buf[0:2], uint16(Continue))
	binary.BigEndian.PutUint16(buf[2:4], f.AckSeq)
	binary.BigEndian.PutUint16(buf[4:6], f.AckBits)
	return n, nil
}

// DecodeInitiatorFinalise parses an initiator finalise packet.
func DecodeInitiatorFinalise(buf []byte) (*InitiatorFinalise, error) {
	if len(buf) < 2 {
		return nil, ErrHandshakeShortBuffer
	}
	code := ResponseCode(binary.BigEndian.Uint16(buf[0:2]))
	if code != Continue {
		reason := append([]byte(nil), buf[2:]...)
		return &InitiatorFinalise{Code: code, Reason: reason}, nil
	}
	if len(buf) < 6 {
		return nil, ErrHandshakeShortBuffer
	}
	return &InitiatorFinalise{
		Code:    Continue,
		AckSeq:  binary.BigEndian.Uint16(buf[2:4]),
		AckBits: binary.BigEndian.Uint16(buf[4:6]),
	}, nil
}

// ApplicationVersion is the locally configured application identity used
// to validate an incoming or outgoing handshake.
type ApplicationVersion struct {
	Ident        uint64
	Major        uint32
	Minor        uint32
	BannedMinors []uint32
}

// Validate compares a peer's advertised version against the local
// configuration, returning Continue or the first mismatch it finds.
func (av ApplicationVersion) Validate(peer Version) ResponseCode {
	if peer.Ident != av.Ident {
		return IncompatibleApplicationIdentifier
	}
	if peer.Major != av.Major {
		return IncompatibleApplicationMajorVersion
	}
	for _, banned := range av.BannedMinors {
		if peer.Minor == banned {
			return IncompatibleApplicationMinorVersion
		}
	}
	return Continue
}

// Validate compares a peer's advertised transport version against the
// locally configured one, returning Continue or the first mismatch it
// finds. Unlike ApplicationVersion, the transport has no banned-minors
// list: a minor mismatch is a hard incompatibility, not a blocklist entry.
func (tv Version) Validate(peer Version) ResponseCode {
	if peer.Ident != tv.Ident {
		return IncompatibleTransportIdentifier
	}
	if peer.Major != tv.Major {
		return IncompatibleTransportMajorVersion
	}
	if peer.Minor != tv.Minor {
		return IncompatibleTransportMinorVersion
	}
	return Continue
}

// WarrantsResponse reports whether code should trigger a one-shot closing
// packet rather than a silent drop.
func WarrantsResponse(code ResponseCode) bool {
	if code == Continue {
		return false
	}
	return !silentCodes[code]
}
