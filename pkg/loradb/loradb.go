// Package loradb is the public entry point to the storage engine: a thin
// wrapper over internal/engine exposing the contract named in spec.md §6
// ("Public engine API exposed to the HTTP collaborator").
package loradb

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/loradb/loradb/internal/config"
	"github.com/loradb/loradb/internal/engine"
	"github.com/loradb/loradb/internal/frame"
	"github.com/loradb/loradb/internal/query"
	"github.com/loradb/loradb/internal/registry"
	"github.com/loradb/loradb/internal/retention"
)

// DB is the opened storage engine.
type DB struct {
	eng    *engine.Engine
	closed bool
}

// Open creates (or reopens) the engine at the directory named in cfg,
// replaying the WAL, opening existing SSTables, and starting the
// background flush and retention tasks.
func Open(cfg config.StorageConfig) (*DB, error) {
	eng, err := engine.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("loradb: open: %w", err)
	}
	eng.StartBackgroundTasks(context.Background())
	return &DB{eng: eng}, nil
}

// Close flushes pending writes, syncs the WAL, and stops background tasks.
func (db *DB) Close() error {
	if db.closed {
		return nil
	}
	db.closed = true
	return db.eng.Shutdown()
}

// Write appends a frame to the engine.
func (db *DB) Write(f frame.Frame) error {
	return db.eng.Write(f)
}

// Query returns every frame for device within [start, end], either bound
// optional (nil means open). Results are sorted by timestamp.
func (db *DB) Query(device string, start, end *time.Time) ([]frame.Frame, error) {
	startMicros, endMicros := boundsToMicros(start, end)
	return db.eng.Query(device, startMicros, endMicros)
}

// ExecuteQuery parses and runs a SELECT statement, returning JSON-shaped
// projected results (spec.md §4.10).
func (db *DB) ExecuteQuery(statement string) ([]map[string]any, error) {
	q, err := query.Parse(statement)
	if err != nil {
		return nil, err
	}
	return query.Execute(db.eng, q, time.Now().UTC())
}

// EnforceRetention runs one retention pass immediately.
func (db *DB) EnforceRetention() error {
	return db.eng.EnforceRetention()
}

// DeleteDevice removes every stored frame for device and its registry
// entry, returning the number of frames deleted.
func (db *DB) DeleteDevice(device string) (int, error) {
	return db.eng.DeleteDevice(device)
}

// DeviceRegistry exposes the device catalog.
func (db *DB) DeviceRegistry() *registry.Registry {
	return db.eng.DeviceRegistry()
}

// RetentionManager exposes the retention policy store.
func (db *DB) RetentionManager() *retention.Manager {
	return db.eng.RetentionManager()
}

// Flush forces an immediate memtable flush, regardless of threshold.
func (db *DB) Flush() error {
	return db.eng.FlushMemtable()
}

// Compact forces an immediate compaction of all current SSTables.
func (db *DB) Compact() error {
	return db.eng.Compact()
}

func boundsToMicros(start, end *time.Time) (int64, int64) {
	startMicros, endMicros := int64(math.MinInt64), int64(math.MaxInt64)
	if start != nil {
		startMicros = start.UnixMicro()
	}
	if end != nil {
		endMicros = end.UnixMicro()
	}
	return startMicros, endMicros
}
