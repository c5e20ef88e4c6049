// Package compaction implements C5: merging a set of SSTables into one,
// deduplicating by (device, timestamp) and keeping the newest value
// (spec.md §4.5).
package compaction

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/loradb/loradb/internal/errs"
	"github.com/loradb/loradb/internal/frame"
	"github.com/loradb/loradb/internal/logging"
	"github.com/loradb/loradb/internal/sstable"
)

var log = logging.For("compaction")

var fileNamePattern = regexp.MustCompile(`^sstable-(\d{8,})\.sst$`)

// IDAllocator hands out strictly increasing SSTable ids, seeded at startup
// from the highest id found on disk (spec.md §4.6: directory scan, no
// manifest).
type IDAllocator struct {
	mu   sync.Mutex
	next uint64
}

// NewIDAllocator seeds the counter one past the highest id among existing.
func NewIDAllocator(existing uint64) *IDAllocator {
	return &IDAllocator{next: existing + 1}
}

func (a *IDAllocator) Next() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.next
	a.next++
	return id
}

// FindSSTables globs dir for sstable-%08d.sst files and returns their paths
// sorted by id ascending (spec.md §4.6 discovers segments by directory scan,
// not a manifest).
func FindSSTables(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.Storage, "compaction: read data dir", err)
	}

	type found struct {
		id   uint64
		path string
	}
	var matches []found
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := fileNamePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		id, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			continue
		}
		matches = append(matches, found{id: id, path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].id < matches[j].id })

	paths := make([]string, len(matches))
	for i, m := range matches {
		paths[i] = m.path
	}
	return paths, nil
}

// OpenAll opens every SSTable file in dir, skipping (with a warning) any
// whose version is incompatible, and returns them newest-id first alongside
// the highest id observed.
func OpenAll(dir string) ([]*sstable.Reader, uint64, error) {
	paths, err := FindSSTables(dir)
	if err != nil {
		return nil, 0, err
	}

	var readers []*sstable.Reader
	var maxID uint64
	for _, p := range paths {
		r, err := sstable.Open(p)
		if err != nil {
			if errs.Is(err, errs.IncompatibleVersion) {
				log.Warn().Str("path", p).Msg("skipping sstable with incompatible version")
				continue
			}
			return nil, 0, errs.Wrap(errs.Storage, "compaction: open sstable "+p, err)
		}
		readers = append(readers, r)
		if r.ID() > maxID {
			maxID = r.ID()
		}
	}

	// Newest-id first, so dedup-keep-last resolves to the newest writer.
	sort.Slice(readers, func(i, j int) bool { return readers[i].ID() > readers[j].ID() })
	return readers, maxID, nil
}

// ShouldCompact reports whether the number of on-disk SSTables exceeds the
// configured threshold (spec.md §4.5).
func ShouldCompact(count, threshold int) bool {
	return threshold > 0 && count > threshold
}

// Result describes the outcome of a compaction run.
type Result struct {
	Output      *sstable.Metadata
	InputPaths  []string
	EntriesKept int
}

// Compact merges inputs (ordered newest to oldest) into a single new
// SSTable written to outputPath with id outputID, deduplicating by
// (device, timestamp) and keeping the newest value — re-keyed with
// sequence 0 since intra-table ordering no longer matters after merge
// (spec.md §4.5).
func Compact(inputs []*sstable.Reader, outputID uint64, outputPath string) (*Result, error) {
	if len(inputs) == 0 {
		return nil, errs.New(errs.Storage, "compaction: no inputs")
	}

	merged, err := sstable.NewMergeIterator(inputs)
	if err != nil {
		return nil, errs.Wrap(errs.Storage, "compaction: merge inputs", err)
	}

	// The merge iterator only collapses entries that share a full
	// (device, timestamp, sequence) key. Two genuinely distinct writes to the
	// same device in the same microsecond land in one memtable with
	// sequence 0 and 1, survive into one SSTable, and therefore reach here as
	// two separate merge-iterator keys that both re-key to sequence 0. Without
	// a second collapse by (device, timestamp) alone, the writer's
	// strictly-ascending-key check would reject the second one. Rows are
	// grouped by (device, timestamp) and the entry from the newest input
	// table wins; within the same table the merge iterator's key order already
	// guarantees the later sequence is what overwrites the map entry.
	type dedupeKey struct {
		device string
		ts     int64
	}
	type kept struct {
		key      frame.MemtableKey
		fr       frame.Frame
		priority int
	}
	byKey := make(map[dedupeKey]kept)
	var order []dedupeKey
	for merged.Valid() {
		key := frame.DecodeKey(merged.Key())
		dk := dedupeKey{device: key.Device, ts: key.TimestampMicros}
		priority := merged.SourceIndex()

		existing, ok := byKey[dk]
		if !ok {
			order = append(order, dk)
		}
		if !ok || priority <= existing.priority {
			byKey[dk] = kept{
				key:      frame.MemtableKey{Device: dk.device, TimestampMicros: dk.ts, Sequence: 0},
				fr:       merged.Frame(),
				priority: priority,
			}
		}
		if err := merged.Next(); err != nil {
			return nil, errs.Wrap(errs.Storage, "compaction: advance merge iterator", err)
		}
	}

	// Entries sharing a (device, timestamp) are contiguous in the merge
	// stream (they differ only in their trailing sequence bytes), so the
	// order in which each dedupeKey was first seen is already ascending.
	rows := make([]kept, 0, len(order))
	for _, dk := range order {
		rows = append(rows, byKey[dk])
	}

	expected := len(rows)
	if expected == 0 {
		expected = 1
	}
	w := sstable.NewWriter(outputID, expected, 0.01)
	for _, r := range rows {
		if err := w.Add(r.key, r.fr); err != nil {
			return nil, errs.Wrap(errs.Storage, "compaction: write merged entry", err)
		}
	}

	meta, err := w.Finish(outputPath)
	if err != nil {
		return nil, err
	}

	inputPaths := make([]string, len(inputs))
	for i, r := range inputs {
		inputPaths[i] = r.Path()
	}

	log.Info().Int("inputs", len(inputs)).Int("entries", len(rows)).Str("output", outputPath).Msg("compaction complete")

	return &Result{Output: meta, InputPaths: inputPaths, EntriesKept: len(rows)}, nil
}
