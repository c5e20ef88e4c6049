package frame

import (
	"math"
	"testing"
)

func TestEncodeOrdersNegativeBelowPositive(t *testing.T) {
	neg := MemtableKey{Device: "0123456789abcdef", TimestampMicros: -1, Sequence: 0}.Encode()
	pos := MemtableKey{Device: "0123456789abcdef", TimestampMicros: 1, Sequence: 0}.Encode()
	if Compare(neg, pos) >= 0 {
		t.Fatal("expected a negative timestamp to encode below a positive one")
	}
}

func TestEncodeOpenLowerBoundSortsBelowRealTimestamps(t *testing.T) {
	device := "0123456789abcdef"
	openLower := MinKey(device, math.MinInt64).Encode()

	now := int64(1735689600000000) // 2025-01-01T00:00:00Z in micros
	real := MinKey(device, now).Encode()

	if Compare(openLower, real) >= 0 {
		t.Fatalf("expected math.MinInt64 sentinel to sort below a real timestamp")
	}
}

func TestEncodeOpenUpperBoundSortsAboveRealTimestamps(t *testing.T) {
	device := "0123456789abcdef"
	openUpper := MaxKey(device, math.MaxInt64).Encode()

	now := int64(1735689600000000)
	real := MaxKey(device, now).Encode()

	if Compare(openUpper, real) <= 0 {
		t.Fatalf("expected math.MaxInt64 sentinel to sort above a real timestamp")
	}
}

func TestDecodeKeyRoundTripsAcrossSignBoundary(t *testing.T) {
	for _, ts := range []int64{math.MinInt64, -1, 0, 1, math.MaxInt64, 1735689600000000} {
		k := MemtableKey{Device: "0123456789abcdef", TimestampMicros: ts, Sequence: 42}
		decoded := DecodeKey(k.Encode())
		if decoded.TimestampMicros != ts {
			t.Fatalf("round trip mismatch: want %d, got %d", ts, decoded.TimestampMicros)
		}
		if decoded.Sequence != 42 {
			t.Fatalf("sequence round trip mismatch: got %d", decoded.Sequence)
		}
	}
}

func TestEncodeOrdersByTimestampThenSequence(t *testing.T) {
	device := "0123456789abcdef"
	a := MemtableKey{Device: device, TimestampMicros: 100, Sequence: 5}.Encode()
	b := MemtableKey{Device: device, TimestampMicros: 100, Sequence: 6}.Encode()
	c := MemtableKey{Device: device, TimestampMicros: 101, Sequence: 0}.Encode()

	if Compare(a, b) >= 0 {
		t.Fatal("expected lower sequence to sort first at the same timestamp")
	}
	if Compare(b, c) >= 0 {
		t.Fatal("expected lower timestamp to sort first regardless of sequence")
	}
}
