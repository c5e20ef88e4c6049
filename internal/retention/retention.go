// Package retention implements C7: per-application TTL policies persisted
// as a single JSON document, and the worst-case-cutoff computation used by
// the engine's enforce_retention pass (spec.md §4.8).
package retention

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/loradb/loradb/internal/errs"
	"github.com/loradb/loradb/internal/logging"
)

var log = logging.For("retention")

const fileName = "retention_policies.json"

// ApplicationPolicy is the per-application TTL entry.
type ApplicationPolicy struct {
	Days      *uint32   `json:"days"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// document is the on-disk shape of retention_policies.json.
type document struct {
	GlobalDays         *uint32                      `json:"global_days"`
	Applications       map[string]ApplicationPolicy `json:"applications"`
	CheckIntervalHours uint64                       `json:"check_interval_hours"`
}

// Manager owns the in-memory retention policy snapshot and its on-disk
// persistence.
type Manager struct {
	path string

	mu  sync.RWMutex
	doc document

	watcher *fsnotify.Watcher
}

// Bootstrap values supplied by configuration, used only when no policy file
// exists yet.
type Bootstrap struct {
	GlobalDays         *uint32
	CheckIntervalHours uint64
}

// Load opens retention_policies.json under dataDir. If the file exists it is
// used verbatim, ignoring bootstrap; otherwise the document is initialized
// from bootstrap and written out (spec.md §4.8). A policy file that exists
// but cannot be read or parsed is logged at Warn and the bootstrap values are
// used in memory; the file is not rewritten at load.
func Load(dataDir string, bootstrap Bootstrap) (*Manager, error) {
	path := filepath.Join(dataDir, fileName)
	m := &Manager{path: path}

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		var doc document
		if err := json.Unmarshal(raw, &doc); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("retention: unparseable policy file, using bootstrap defaults")
			doc = document{GlobalDays: bootstrap.GlobalDays, CheckIntervalHours: bootstrap.CheckIntervalHours}
		}
		if doc.Applications == nil {
			doc.Applications = make(map[string]ApplicationPolicy)
		}
		m.doc = doc
	case os.IsNotExist(err):
		m.doc = document{
			GlobalDays:         bootstrap.GlobalDays,
			Applications:       make(map[string]ApplicationPolicy),
			CheckIntervalHours: bootstrap.CheckIntervalHours,
		}
		if err := m.persistLocked(); err != nil {
			return nil, err
		}
	default:
		log.Warn().Err(err).Str("path", path).Msg("retention: unreadable policy file, using bootstrap defaults")
		m.doc = document{
			GlobalDays:         bootstrap.GlobalDays,
			Applications:       make(map[string]ApplicationPolicy),
			CheckIntervalHours: bootstrap.CheckIntervalHours,
		}
	}

	return m, nil
}

// persistLocked writes the full document to disk with owner-only
// permissions. Callers must hold m.mu.
func (m *Manager) persistLocked() error {
	raw, err := json.MarshalIndent(m.doc, "", "  ")
	if err != nil {
		return errs.Wrap(errs.Retention, "retention: marshal policy file", err)
	}
	if err := os.WriteFile(m.path, raw, 0o600); err != nil {
		return errs.Wrap(errs.Retention, "retention: write policy file", err)
	}
	if err := os.Chmod(m.path, 0o600); err != nil {
		return errs.Wrap(errs.Retention, "retention: restrict policy file permissions", err)
	}
	return nil
}

// GlobalDays returns the global default retention, if any.
func (m *Manager) GlobalDays() *uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.doc.GlobalDays
}

// SetGlobalDays updates and persists the global default retention.
func (m *Manager) SetGlobalDays(days *uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc.GlobalDays = days
	return m.persistLocked()
}

// SetApplicationDays sets (or clears, if days is nil) one application's
// retention override.
func (m *Manager) SetApplicationDays(appID string, days *uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	p, ok := m.doc.Applications[appID]
	if !ok {
		p.CreatedAt = now
	}
	p.Days = days
	p.UpdatedAt = now
	m.doc.Applications[appID] = p
	return m.persistLocked()
}

// RemoveApplication deletes an application's override, falling back to the
// global policy for that application thereafter.
func (m *Manager) RemoveApplication(appID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.doc.Applications, appID)
	return m.persistLocked()
}

// SetCheckIntervalHours updates the background retention tick interval.
func (m *Manager) SetCheckIntervalHours(hours uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc.CheckIntervalHours = hours
	return m.persistLocked()
}

// CheckInterval returns the configured retention tick interval.
func (m *Manager) CheckInterval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.doc.CheckIntervalHours) * time.Hour
}

// WorstCaseCutoff computes the conservative retention cutoff for an SSTable
// containing the given set of application ids: the *longest* configured
// retention among them (spec.md §4.9, "longest wins"). A nil return means
// "never delete" — either an application has no TTL (global or per-app), or
// the SSTable references no known application (caller should skip with a
// warning per spec.md §4.9).
func (m *Manager) WorstCaseCutoff(now time.Time, applicationIDs map[string]struct{}) *time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(applicationIDs) == 0 {
		return nil
	}

	var longest *uint32
	for appID := range applicationIDs {
		days := m.doc.GlobalDays
		if p, ok := m.doc.Applications[appID]; ok {
			days = p.Days
		}
		if days == nil {
			// This application never expires; the whole SSTable is kept.
			return nil
		}
		if longest == nil || *days > *longest {
			longest = days
		}
	}
	if longest == nil {
		return nil
	}
	cutoff := now.Add(-time.Duration(*longest) * 24 * time.Hour)
	return &cutoff
}

// Watch starts watching the policy file for out-of-process edits and
// reloads the in-memory snapshot when it changes, until ctx is canceled.
func (m *Manager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errs.Wrap(errs.Retention, "retention: create watcher", err)
	}
	if err := w.Add(filepath.Dir(m.path)); err != nil {
		w.Close()
		return errs.Wrap(errs.Retention, "retention: watch data dir", err)
	}

	m.mu.Lock()
	m.watcher = w
	m.mu.Unlock()

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != m.path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := m.reload(); err != nil {
					log.Warn().Err(err).Msg("retention: reload after external edit failed")
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("retention: watcher error")
			}
		}
	}()

	return nil
}

func (m *Manager) reload() error {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return errs.Wrap(errs.Retention, "retention: read policy file on reload", err)
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return errs.Wrap(errs.Retention, "retention: parse policy file on reload", err)
	}
	if doc.Applications == nil {
		doc.Applications = make(map[string]ApplicationPolicy)
	}
	m.mu.Lock()
	m.doc = doc
	m.mu.Unlock()
	log.Info().Msg("retention policies reloaded from disk")
	return nil
}

// Close stops the watcher, if running.
func (m *Manager) Close() error {
	m.mu.RLock()
	w := m.watcher
	m.mu.RUnlock()
	if w == nil {
		return nil
	}
	return w.Close()
}
