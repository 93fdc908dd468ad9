package tdns

// Serial arithmetic per RFC 1982, isolated here so that SOA serials are
// never compared with raw integer operators anywhere else in the package.

type SerialOrder int8

const (
	SerialLess      SerialOrder = -1
	SerialEqual      SerialOrder = 0
	SerialGreater    SerialOrder = 1
	SerialUndefined  SerialOrder = 2 // distance is exactly 2^31; RFC 1982 leaves this undefined
)

const serialHalfSpan = uint32(1) << 31

// SerialCmp compares two 32-bit serials under modulo-2^32 arithmetic.
// a < b iff (b - a) mod 2^32 is in (0, 2^31); a > b iff (a - b) mod 2^32
// is in (0, 2^31); equal iff identical; undefined iff the distance is
// exactly 2^31.
func SerialCmp(a, b uint32) SerialOrder {
	if a == b {
		return SerialEqual
	}
	d := b - a // wraps, as intended
	if d == serialHalfSpan {
		return SerialUndefined
	}
	if d < serialHalfSpan {
		return SerialLess
	}
	return SerialGreater
}

// SerialLt reports whether a is strictly before b in serial order. An
// undefined comparison is treated as not-less, since callers must not
// rely on it for chain-ordering decisions.
func SerialLt(a, b uint32) bool {
	return SerialCmp(a, b) == SerialLess
}

// SerialAdd returns a+d mod 2^32, d < 2^31.
func SerialAdd(a uint32, d uint32) uint32 {
	return a + d
}

// SerialSub returns the forward distance from b to a, i.e. the d such
// that SerialAdd(b, d) == a, valid only when a is not "before" b.
func SerialSub(a, b uint32) uint32 {
	return a - b
}
