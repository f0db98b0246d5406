// Package packetreader parses incoming packets, applies acks to reliability
// state, and yields decoded frames to the connection's per-type handlers.
package packetreader

import (
	"moto-net/reliability"
	"moto-net/wire"
)

// Result is the outcome of reading one inbound packet.
type Result struct {
	Frames      []*wire.Frame
	AckedLocal  []uint16 // local sequences freed from the unacked store
	FrameErr    error    // non-nil iff a frame failed to decode; frames
	                     // decoded before the failure are still in Frames
}

// Read parses one inbound packet: decodes the header, applies on_receive
// and on_ack to rel, then decodes frames left-to-right until the packet is
// drained or a decode error stops it. A header-decode error aborts the
// whole packet and is returned directly (the caller should count it as a
// protocol violation); a frame-decode error stops decoding but still
// returns every frame decoded before it, since the packet is scanned
// left-to-right and earlier frames have already been committed upstream.
func Read(packet []byte, bitfieldLen int, rel *reliability.State) (*Result, error) {
	hdr, n, err := wire.DecodeHeader(packet, bitfieldLen)
	if err != nil {
		return nil, err
	}

	if hdr.Reliable {
		rel.OnReceive(hdr.LocalSeq)
	}
	acked := rel.OnAck(hdr.RemoteAck, hdr.AckBits, bitfieldLen)

	res := &Result{AckedLocal: acked}

	buf := packet[n:]
	for len(buf) > 0 {
		f, consumed, ferr := wire.DecodeFrame(buf)
		if ferr != nil {
			res.FrameErr = ferr
			break
		}
		res.Frames = append(res.Frames, f)
		buf = buf[consumed:]
	}

	return res, nil
}
