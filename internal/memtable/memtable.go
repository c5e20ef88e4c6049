// Package memtable implements the in-memory sorted index (C3): an ordered
// map keyed by frame.MemtableKey, built on github.com/huandu/skiplist. The
// skiplist itself is not internally synchronized (its own documentation
// requires external locking for concurrent use), so a sync.RWMutex guards
// structural access the way the teacher's hand-rolled skip list does — the
// practical Go equivalent of spec.md §4.3's "lock-free ordered map" (see
// DESIGN.md).
package memtable

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/huandu/skiplist"

	"github.com/loradb/loradb/internal/frame"
)

// Memtable is a sorted, in-memory index of recent writes.
type Memtable struct {
	mu       sync.RWMutex
	list     *skiplist.SkipList
	sequence uint64 // atomic fetch-add counter
	size     int64  // atomic approximate byte footprint
}

// New creates an empty memtable.
func New() *Memtable {
	return &Memtable{list: skiplist.New(skiplist.Bytes)}
}

// Insert computes the frame's key (device + timestamp + a fetch-add of the
// sequence counter) and inserts it, returning the assigned key.
func (m *Memtable) Insert(f frame.Frame) frame.MemtableKey {
	seq := atomic.AddUint64(&m.sequence, 1) - 1
	key := f.Key(seq)
	encoded := key.Encode()

	m.mu.Lock()
	m.list.Set(encoded, f)
	m.mu.Unlock()

	atomic.AddInt64(&m.size, approxSize(f))
	return key
}

// ScanDeviceRange returns every frame in the inclusive range
// (device, start|MIN, 0)..=(device, end|MAX, MAX), in key order.
// startMicros/endMicros use math.MinInt64/math.MaxInt64 for an open bound.
func (m *Memtable) ScanDeviceRange(device string, startMicros, endMicros int64) []frame.Frame {
	start := frame.MinKey(device, startMicros).Encode()
	end := frame.MaxKey(device, endMicros).Encode()

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []frame.Frame
	for elem := m.list.Find(start); elem != nil; elem = elem.Next() {
		key := elem.Key().([]byte)
		if frame.Compare(key, end) > 0 {
			break
		}
		out = append(out, elem.Value.(frame.Frame))
	}
	return out
}

// GetLatest returns the most recent frame for device, or (Frame{}, false) if
// the device has no entries.
func (m *Memtable) GetLatest(device string) (frame.Frame, bool) {
	frames := m.ScanDeviceRange(device, math.MinInt64, math.MaxInt64)
	if len(frames) == 0 {
		return frame.Frame{}, false
	}
	return frames[len(frames)-1], true
}

// Size returns the approximate accumulated byte count (§4.3: "a rough
// upper-bound estimate, not an exact size").
func (m *Memtable) Size() int64 {
	return atomic.LoadInt64(&m.size)
}

// ShouldFlush compares the approximate size to thresholdMB.
func (m *Memtable) ShouldFlush(thresholdMB int) bool {
	return m.Size() >= int64(thresholdMB)<<20
}

// Len returns the number of live entries.
func (m *Memtable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list.Len()
}

// Clear empties the map and resets the size and sequence counters.
func (m *Memtable) Clear() {
	m.mu.Lock()
	m.list = skiplist.New(skiplist.Bytes)
	m.mu.Unlock()
	atomic.StoreInt64(&m.size, 0)
	atomic.StoreUint64(&m.sequence, 0)
}

// DeleteDevice removes every entry whose key's device matches.
func (m *Memtable) DeleteDevice(device string) int {
	start := frame.MinKey(device, math.MinInt64).Encode()
	end := frame.MaxKey(device, math.MaxInt64).Encode()

	m.mu.Lock()
	defer m.mu.Unlock()

	var toRemove [][]byte
	for elem := m.list.Find(start); elem != nil; elem = elem.Next() {
		key := elem.Key().([]byte)
		if frame.Compare(key, end) > 0 {
			break
		}
		toRemove = append(toRemove, key)
	}
	for _, k := range toRemove {
		m.list.Remove(k)
	}
	return len(toRemove)
}

// approxSize is the frame's binary-encoded length (frame.Encode). It counts
// neither the key nor the in-memory overhead of the frame and skiplist node,
// so it is an estimate of the memtable's footprint, not an exact size.
func approxSize(f frame.Frame) int64 {
	size := int64(len(frame.Encode(f)))
	return size
}

// Iterator walks every entry in ascending key order. Used by flush (which
// needs entries already in key order), recovery diagnostics, and tests.
type Iterator struct {
	elem *skiplist.Element
}

// NewIterator returns an iterator positioned before the first entry.
func (m *Memtable) NewIterator() *Iterator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &Iterator{elem: m.list.Front()}
}

func (it *Iterator) Valid() bool { return it.elem != nil }

func (it *Iterator) Key() frame.MemtableKey {
	return frame.DecodeKey(it.elem.Key().([]byte))
}

func (it *Iterator) Value() frame.Frame {
	return it.elem.Value.(frame.Frame)
}

func (it *Iterator) Next() {
	it.elem = it.elem.Next()
}
