// Package bloom implements the probabilistic device-identifier membership
// filter described in spec.md §4.1 (C1).
package bloom

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/cespare/xxhash/v2"
)

// Filter is a Bloom filter over device identifiers. insert sets k bits;
// contains returns false iff any of the k bits is zero.
type Filter struct {
	bits []byte
	m    uint64 // bit count
	k    uint64 // hash count
}

// New derives m and k from the expected element count n and the target
// false-positive rate p, per spec.md §4.1:
//
//	m = ceil(-n*ln(p) / ln(2)^2)
//	k = ceil((m/n) * ln(2))
func New(n int, p float64) *Filter {
	if n < 1 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = 0.01
	}
	nf := float64(n)
	m := uint64(math.Ceil(-nf * math.Log(p) / (math.Ln2 * math.Ln2)))
	if m < 8 {
		m = 8
	}
	k := uint64(math.Ceil((float64(m) / nf) * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}
	return &Filter{
		bits: make([]byte, (m+7)/8),
		m:    m,
		k:    k,
	}
}

// position derives the bit position for hash index seed in [0, k) by hashing
// the seed-prefixed key with a single 64-bit non-cryptographic hash, per
// spec.md §4.1 ("hashing uses a 64-bit non-cryptographic hash seeded by a
// small integer in [0, k)").
func (f *Filter) position(key []byte, seed uint64) uint64 {
	h := xxhash.New()
	var seedBuf [8]byte
	binary.LittleEndian.PutUint64(seedBuf[:], seed)
	h.Write(seedBuf[:])
	h.Write(key)
	return h.Sum64() % f.m
}

// Insert sets the k bits derived for key.
func (f *Filter) Insert(key []byte) {
	for i := uint64(0); i < f.k; i++ {
		pos := f.position(key, i)
		f.bits[pos/8] |= 1 << (pos % 8)
	}
}

// Contains returns false iff any of key's k derived bits is zero. A true
// result may be a false positive; a false result is never a false negative.
func (f *Filter) Contains(key []byte) bool {
	for i := uint64(0); i < f.k; i++ {
		pos := f.position(key, i)
		if f.bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}

// Serialize renders the filter for SSTable metadata storage: bit count (8B),
// hash count (8B), then the bit array.
func (f *Filter) Serialize() []byte {
	out := make([]byte, 16+len(f.bits))
	binary.LittleEndian.PutUint64(out[0:8], f.m)
	binary.LittleEndian.PutUint64(out[8:16], f.k)
	copy(out[16:], f.bits)
	return out
}

// Deserialize parses a filter from its Serialize form.
func Deserialize(data []byte) (*Filter, error) {
	if len(data) < 16 {
		return nil, io.ErrUnexpectedEOF
	}
	m := binary.LittleEndian.Uint64(data[0:8])
	k := binary.LittleEndian.Uint64(data[8:16])
	need := int((m + 7) / 8)
	if len(data) < 16+need {
		return nil, io.ErrUnexpectedEOF
	}
	bits := make([]byte, need)
	copy(bits, data[16:16+need])
	return &Filter{bits: bits, m: m, k: k}, nil
}
