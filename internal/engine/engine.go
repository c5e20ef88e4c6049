// Package engine implements C8: the storage engine that orchestrates the
// WAL, memtable, SSTables, compaction, device registry, and retention
// manager behind a single write/query/administration API (spec.md §4.9).
package engine

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/loradb/loradb/internal/compaction"
	"github.com/loradb/loradb/internal/config"
	"github.com/loradb/loradb/internal/errs"
	"github.com/loradb/loradb/internal/frame"
	"github.com/loradb/loradb/internal/logging"
	"github.com/loradb/loradb/internal/memtable"
	"github.com/loradb/loradb/internal/registry"
	"github.com/loradb/loradb/internal/retention"
	"github.com/loradb/loradb/internal/sstable"
	"github.com/loradb/loradb/internal/wal"
)

var log = logging.For("engine")

// Engine is the storage engine's public contract (spec.md §4.9, §6).
type Engine struct {
	cfg config.StorageConfig

	wal      *wal.WAL
	mem      *memtable.Memtable
	registry *registry.Registry
	ret      *retention.Manager
	ids      *compaction.IDAllocator

	ssMu     sync.RWMutex
	sstables []*sstable.Reader // newest last

	compactMu sync.Mutex

	cancel context.CancelFunc
	tasks  *errgroup.Group
}

// New creates the data directory (owner-only), opens the WAL and replays it
// into a fresh memtable, opens all existing SSTables, rebuilds the device
// registry, and loads retention policies (spec.md §4.9).
func New(cfg config.StorageConfig) (*Engine, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, errs.Wrap(errs.Storage, "engine: create data dir", err)
	}

	walDir := filepath.Join(cfg.DataDir, "wal")
	w, err := wal.Open(walDir, cfg.WalSegmentBytes)
	if err != nil {
		return nil, err
	}

	mem := memtable.New()
	if _, err := w.Replay(func(f frame.Frame) { mem.Insert(f) }); err != nil {
		return nil, err
	}

	readers, maxID, err := compaction.OpenAll(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	// Keep newest-last internally, matching the query-merge order used below.
	sort.Slice(readers, func(i, j int) bool { return readers[i].ID() < readers[j].ID() })

	reg := registry.New()
	for _, r := range readers {
		entries, err := r.IterAll()
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			reg.RegisterOrUpdate(e.Frame)
		}
	}
	it := mem.NewIterator()
	for it.Valid() {
		reg.RegisterOrUpdate(it.Value())
		it.Next()
	}

	retMgr, err := retention.Load(cfg.DataDir, retention.Bootstrap{
		GlobalDays:         cfg.GlobalRetentionDays,
		CheckIntervalHours: cfg.RetentionCheckIntervalHrs,
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		wal:      w,
		mem:      mem,
		registry: reg,
		ret:      retMgr,
		ids:      compaction.NewIDAllocator(maxID),
		sstables: readers,
	}
	return e, nil
}

// Write records a frame: registry update, WAL append, memtable insert, and a
// threshold-triggered flush.
func (e *Engine) Write(f frame.Frame) error {
	if f.Kind == frame.KindUplink && (f.Port < 1 || f.Port > frame.MaxApplicationPort) {
		log.Warn().Str("device", f.DeviceID).Int("port", int(f.Port)).Msg("uplink port outside 1..223, stored anyway")
	}
	e.registry.RegisterOrUpdate(f)

	if err := e.wal.Append(f); err != nil {
		return err
	}
	e.mem.Insert(f)

	if e.mem.ShouldFlush(e.cfg.MemtableThresholdMB) {
		if err := e.FlushMemtable(); err != nil {
			return err
		}
	}
	return nil
}

// FlushMemtable writes every current memtable entry (already in key order)
// to a new SSTable, opens it, clears the memtable, truncates the WAL, and
// compacts if the SSTable count now exceeds the configured threshold
// (spec.md §4.9).
func (e *Engine) FlushMemtable() error {
	if e.mem.Len() == 0 {
		return nil
	}

	id := e.ids.Next()
	path := filepath.Join(e.cfg.DataDir, sstable.FileName(id))
	w := sstable.NewWriter(id, e.mem.Len(), e.cfg.BloomFalsePositiveRate)

	it := e.mem.NewIterator()
	for it.Valid() {
		if err := w.Add(it.Key(), it.Value()); err != nil {
			return err
		}
		it.Next()
	}

	meta, err := w.Finish(path)
	if err != nil {
		return err
	}
	reader, err := sstable.Open(path)
	if err != nil {
		return err
	}

	e.ssMu.Lock()
	e.sstables = append(e.sstables, reader)
	count := len(e.sstables)
	e.ssMu.Unlock()

	e.mem.Clear()
	if err := e.wal.Truncate(); err != nil {
		return err
	}

	log.Info().Uint64("id", id).Int("sstables", count).Uint64("entries", meta.EntryCount).Str("size", fileSizeHuman(path)).Msg("flushed memtable")

	if compaction.ShouldCompact(count, e.cfg.CompactionThreshold) {
		if err := e.Compact(); err != nil {
			return err
		}
	}
	return nil
}

// Compact takes the currently open SSTable list, merges it into one via the
// compaction manager, installs the result as the new list, and deletes the
// old files (spec.md §4.9).
func (e *Engine) Compact() error {
	e.compactMu.Lock()
	defer e.compactMu.Unlock()

	e.ssMu.RLock()
	inputs := make([]*sstable.Reader, len(e.sstables))
	copy(inputs, e.sstables)
	e.ssMu.RUnlock()

	if len(inputs) < 2 {
		return nil
	}

	// Compact wants newest-first for its dedup-keep-last-writer rule.
	newestFirst := make([]*sstable.Reader, len(inputs))
	for i, r := range inputs {
		newestFirst[len(inputs)-1-i] = r
	}

	id := e.ids.Next()
	path := filepath.Join(e.cfg.DataDir, sstable.FileName(id))
	result, err := compaction.Compact(newestFirst, id, path)
	if err != nil {
		return err
	}

	out, err := sstable.Open(path)
	if err != nil {
		return err
	}

	e.ssMu.Lock()
	e.sstables = []*sstable.Reader{out}
	e.ssMu.Unlock()

	for _, r := range inputs {
		r.Close()
		if err := os.Remove(r.Path()); err != nil && !os.IsNotExist(err) {
			log.Warn().Str("path", r.Path()).Err(err).Msg("compaction: failed to remove old sstable")
		}
	}

	log.Info().Int("inputs", len(result.InputPaths)).Int("kept", result.EntriesKept).Str("size", fileSizeHuman(path)).Msg("compaction installed new sstable")
	return nil
}

// fileSizeHuman renders a file's size as a human-readable byte count for log
// lines; an unreadable stat just omits the size rather than failing the
// calling operation.
func fileSizeHuman(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return "unknown"
	}
	return humanize.Bytes(uint64(info.Size()))
}

// Query scans the memtable and every SSTable, concatenates, and stably
// sorts by timestamp (spec.md §4.9). start/end use math.MinInt64/MaxInt64
// sentinels for an open bound.
func (e *Engine) Query(device string, startMicros, endMicros int64) ([]frame.Frame, error) {
	if err := frame.ValidateDeviceID(device); err != nil {
		return nil, err
	}

	out := e.mem.ScanDeviceRange(device, startMicros, endMicros)

	e.ssMu.RLock()
	readers := make([]*sstable.Reader, len(e.sstables))
	copy(readers, e.sstables)
	e.ssMu.RUnlock()

	for _, r := range readers {
		frames, err := r.Scan(device, startMicros, endMicros)
		if err != nil {
			return nil, errs.Wrap(errs.QueryExecution, "engine: scan sstable", err)
		}
		out = append(out, frames...)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// EnforceRetention computes, per SSTable, the worst-case retention cutoff
// from the policies of the applications it contains, and deletes whole
// segments whose max timestamp is older than that cutoff (spec.md §4.9).
func (e *Engine) EnforceRetention() error {
	e.ssMu.RLock()
	readers := make([]*sstable.Reader, len(e.sstables))
	copy(readers, e.sstables)
	e.ssMu.RUnlock()

	now := time.Now().UTC()
	var keep []*sstable.Reader
	var removed []*sstable.Reader

	for _, r := range readers {
		appIDs, err := r.ApplicationIDs()
		if err != nil {
			return err
		}
		if len(appIDs) == 0 {
			log.Warn().Str("path", r.Path()).Msg("retention: sstable has no recorded applications, skipping")
			keep = append(keep, r)
			continue
		}

		cutoff := e.ret.WorstCaseCutoff(now, appIDs)
		if cutoff == nil {
			keep = append(keep, r)
			continue
		}

		maxTS := time.UnixMicro(r.MaxTimestampMicros()).UTC()
		if maxTS.Before(*cutoff) {
			removed = append(removed, r)
		} else {
			keep = append(keep, r)
		}
	}

	if len(removed) == 0 {
		return nil
	}

	e.ssMu.Lock()
	e.sstables = keep
	e.ssMu.Unlock()

	for _, r := range removed {
		r.Close()
		if err := os.Remove(r.Path()); err != nil && !os.IsNotExist(err) {
			log.Warn().Str("path", r.Path()).Err(err).Msg("retention: failed to remove expired sstable")
		}
	}
	log.Info().Int("removed", len(removed)).Msg("retention pass removed expired sstables")
	return nil
}

// DeleteDevice removes a device's entries from the memtable and, for every
// SSTable, rewrites it without that device's frames (skipping rewrite for
// inputs that would be unaffected); returns the total number of frames
// deleted (spec.md §4.9).
func (e *Engine) DeleteDevice(device string) (int, error) {
	if err := frame.ValidateDeviceID(device); err != nil {
		return 0, err
	}

	removed := e.mem.DeleteDevice(device)

	e.ssMu.RLock()
	readers := make([]*sstable.Reader, len(e.sstables))
	copy(readers, e.sstables)
	e.ssMu.RUnlock()

	var newList []*sstable.Reader
	var toDelete []*sstable.Reader

	for _, r := range readers {
		entries, err := r.IterAll()
		if err != nil {
			return 0, err
		}

		var kept []sstable.Entry
		var droppedHere int
		for _, en := range entries {
			if en.Key.Device == device {
				droppedHere++
				continue
			}
			kept = append(kept, en)
		}
		removed += droppedHere

		if droppedHere == 0 {
			newList = append(newList, r)
			continue
		}
		toDelete = append(toDelete, r)

		if len(kept) == 0 {
			continue // every frame in this input was for the deleted device
		}

		id := e.ids.Next()
		path := filepath.Join(e.cfg.DataDir, sstable.FileName(id))
		w := sstable.NewWriter(id, len(kept), e.cfg.BloomFalsePositiveRate)
		for _, en := range kept {
			if err := w.Add(frame.MemtableKey{Device: en.Key.Device, TimestampMicros: en.Key.TimestampMicros, Sequence: en.Key.Sequence}, en.Frame); err != nil {
				return 0, err
			}
		}
		if _, err := w.Finish(path); err != nil {
			return 0, err
		}
		rewritten, err := sstable.Open(path)
		if err != nil {
			return 0, err
		}
		newList = append(newList, rewritten)
	}

	e.ssMu.Lock()
	e.sstables = newList
	e.ssMu.Unlock()

	for _, r := range toDelete {
		r.Close()
		if err := os.Remove(r.Path()); err != nil && !os.IsNotExist(err) {
			log.Warn().Str("path", r.Path()).Err(err).Msg("device deletion: failed to remove old sstable")
		}
	}

	if err := e.registry.RemoveDevice(device); err != nil {
		// The device may legitimately have had zero frames; registry absence
		// is not an error for this operation's contract.
		log.Warn().Str("device", device).Msg("device deletion: registry had no entry")
	}

	return removed, nil
}

// DeviceRegistry exposes the device registry to API collaborators.
func (e *Engine) DeviceRegistry() *registry.Registry { return e.registry }

// RetentionManager exposes the retention manager to API collaborators.
func (e *Engine) RetentionManager() *retention.Manager { return e.ret }

// Shutdown flushes any pending writes and syncs the WAL.
func (e *Engine) Shutdown() error {
	if e.cancel != nil {
		e.cancel()
	}
	if e.tasks != nil {
		e.tasks.Wait()
	}
	if e.mem.Len() > 0 {
		if err := e.FlushMemtable(); err != nil {
			return err
		}
	}
	return e.wal.Sync()
}

// StartBackgroundTasks launches the periodic flush and retention ticks,
// both of which skip missed ticks (spec.md §4.9). Call Shutdown to stop
// them.
func (e *Engine) StartBackgroundTasks(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	e.tasks = g

	flushEvery := time.Duration(e.cfg.FlushIntervalSeconds) * time.Second
	g.Go(func() error {
		e.runTicker(gctx, flushEvery, func() error {
			if e.mem.Len() > 0 && e.mem.ShouldFlush(e.cfg.MemtableThresholdMB) {
				return e.FlushMemtable()
			}
			return nil
		})
		return nil
	})

	retentionEvery := e.ret.CheckInterval()
	g.Go(func() error {
		e.runTicker(gctx, retentionEvery, e.EnforceRetention)
		return nil
	})
}

func (e *Engine) runTicker(ctx context.Context, interval time.Duration, fn func() error) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := fn(); err != nil {
				log.Error().Err(err).Msg("background task failed")
			}
		}
	}
}

// UnboundedQuery is the internal unfiltered query form used by tests
// (spec.md §8's testable properties reference it directly).
func (e *Engine) UnboundedQuery(device string) ([]frame.Frame, error) {
	return e.Query(device, math.MinInt64, math.MaxInt64)
}
