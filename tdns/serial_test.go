package tdns

import "testing"

// S1: serial arithmetic follows RFC 1982 modulo-2^32 comparison, including
// the undefined case at exactly half the serial space.
func TestSerialCmp(t *testing.T) {
	cases := []struct {
		a, b uint32
		want SerialOrder
	}{
		{1, 1, SerialEqual},
		{1, 2, SerialLess},
		{2, 1, SerialGreater},
		{0, 1, SerialLess},
		{4294967295, 0, SerialLess},
		{0, 4294967295, SerialGreater},
		{0, 1 << 31, SerialUndefined},
		{100, 100 + (1 << 31), SerialUndefined},
	}
	for _, c := range cases {
		got := SerialCmp(c.a, c.b)
		if got != c.want {
			t.Errorf("SerialCmp(%d, %d) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestSerialLt(t *testing.T) {
	if !SerialLt(1, 2) {
		t.Error("SerialLt(1, 2) should be true")
	}
	if SerialLt(2, 1) {
		t.Error("SerialLt(2, 1) should be false")
	}
	if SerialLt(0, 1<<31) {
		t.Error("SerialLt at the undefined distance should report false, not true")
	}
}

func TestSerialWraparound(t *testing.T) {
	// A serial just below the wrap point is still "less than" one just
	// after it, since the wrapped distance stays under 2^31.
	if !SerialLt(4294967290, 5) {
		t.Error("SerialLt should treat wraparound as forward progress")
	}
}

func TestSerialAddSub(t *testing.T) {
	if got := SerialAdd(4294967295, 1); got != 0 {
		t.Errorf("SerialAdd(max, 1) = %d, want 0", got)
	}
	if got := SerialSub(0, 1); got != 4294967295 {
		t.Errorf("SerialSub(0, 1) = %d, want 4294967295", got)
	}
}
