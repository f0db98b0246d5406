// Package wire implements the transport-independent wire codecs: wrapping
// sequence arithmetic, variable-length integers, frame encoding and packet
// header encoding. None of it depends on sockets, connections or channels.
package wire

// Ordering is the result of comparing two wrapping sequence numbers.
type Ordering int

const (
	Less Ordering = iota - 1
	Equal
	Greater
)

// Seq16 is a wrapping sequence number over [0, 65535]. Comparisons use the
// midpoint rule: a is newer than b iff the shorter wrap-around distance from
// b to a lies in (0, mid].
type Seq16 struct {
	v uint16
}

const seq16Mid = 1 << 15 // 32768

// NewSeq16 builds a Seq16 from a raw value.
func NewSeq16(v uint16) Seq16 { return Seq16{v: v} }

// Value returns the inner raw value.
func (s Seq16) Value() uint16 { return s.v }

// Increment advances the sequence by one, wrapping at 65536.
func (s *Seq16) Increment() { s.v++ }

// Add returns s+delta, wrapping.
func (s Seq16) Add(delta uint16) Seq16 { return Seq16{v: s.v + delta} }

// Sub returns s-delta, wrapping.
func (s Seq16) Sub(delta uint16) Seq16 { return Seq16{v: s.v - delta} }

// Diff returns the wrap-around distance between s and other; it is
// symmetric, i.e. s.Diff(other) == other.Diff(s).
func (s Seq16) Diff(other Seq16) uint16 {
	var fwd uint16
	if s.v >= other.v {
		fwd = s.v - other.v
	} else {
		fwd = other.v - s.v
	}
	bwd := -fwd // wraps: 65536-fwd mod 65536
	if fwd < bwd {
		return fwd
	}
	return bwd
}

// Cmp compares s to other using the midpoint newer-than rule.
func (s Seq16) Cmp(other Seq16) Ordering {
	if s.v == other.v {
		return Equal
	}
	if s.v > other.v {
		if s.v-other.v <= seq16Mid {
			return Greater
		}
		return Less
	}
	// s.v < other.v
	if other.v-s.v > seq16Mid {
		return Greater
	}
	return Less
}

// NewerThan reports whether s is strictly newer than other.
func (s Seq16) NewerThan(other Seq16) bool { return s.Cmp(other) == Greater }
