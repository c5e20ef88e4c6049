package frame

import (
	"bytes"
	"encoding/binary"
)

// KeySize is the fixed on-disk/in-memory size of an encoded MemtableKey:
// 16 bytes of device id, 8 bytes of timestamp, 8 bytes of sequence.
const KeySize = 16 + 8 + 8

// MemtableKey is the ordering key for both the memtable and SSTables: the
// tuple (device_id_lowercase, timestamp_micros, sequence), total order
// lexicographic on the tuple (spec.md §3).
type MemtableKey struct {
	Device          string
	TimestampMicros int64
	Sequence        uint64
}

// MinKey and MaxKey bound a device's range for a given timestamp, matching
// spec.md §4.3's "(device, start|MIN, 0)..=(device, end|MAX, MAX)".
func MinKey(device string, tsMicros int64) MemtableKey {
	return MemtableKey{Device: device, TimestampMicros: tsMicros, Sequence: 0}
}

func MaxKey(device string, tsMicros int64) MemtableKey {
	return MemtableKey{Device: device, TimestampMicros: tsMicros, Sequence: ^uint64(0)}
}

// Encode renders the key as KeySize bytes whose unsigned byte-lexicographic
// order matches the tuple's natural order. Device ids shorter than 16 bytes
// are zero-padded on the right (device ids are always exactly 16 hex
// characters in practice, enforced by ValidateDeviceID).
func (k MemtableKey) Encode() []byte {
	buf := make([]byte, KeySize)
	copy(buf[0:16], k.Device)
	binary.BigEndian.PutUint64(buf[16:24], flipSign(k.TimestampMicros))
	binary.BigEndian.PutUint64(buf[24:32], k.Sequence)
	return buf
}

// DecodeKey parses an encoded key back into its fields.
func DecodeKey(b []byte) MemtableKey {
	device := bytes.TrimRight(b[0:16], "\x00")
	return MemtableKey{
		Device:          string(device),
		TimestampMicros: unflipSign(binary.BigEndian.Uint64(b[16:24])),
		Sequence:        binary.BigEndian.Uint64(b[24:32]),
	}
}

// flipSign maps an int64 to a uint64 preserving order: flipping the sign bit
// puts every negative value below every non-negative one once reinterpreted
// as unsigned, so big-endian byte comparison matches signed comparison. This
// matters because math.MinInt64 is used as the open-lower-bound sentinel
// (UnboundedQuery, GetLatest, DeleteDevice) and must sort below every real
// timestamp, not above it.
func flipSign(ts int64) uint64 {
	return uint64(ts) ^ (1 << 63)
}

func unflipSign(u uint64) int64 {
	return int64(u ^ (1 << 63))
}

// Compare orders two encoded keys lexicographically, matching MemtableKey's
// tuple order.
func Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}
