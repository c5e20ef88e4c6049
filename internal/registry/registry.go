// Package registry implements C6: the in-memory catalog of devices the
// engine has observed, rebuilt at startup from persisted storage rather than
// kept on its own disk copy (spec.md §4.6).
package registry

import (
	"sync"
	"time"

	"github.com/loradb/loradb/internal/errs"
	"github.com/loradb/loradb/internal/frame"
)

// Device describes one LoRaWAN end device as seen by the engine.
type Device struct {
	DeviceID      string
	Name          *string
	ApplicationID string
	FirstSeen     time.Time
	LastSeen      time.Time
	FrameCount    uint64
}

// Registry tracks devices, keyed by device id. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*Device
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{devices: make(map[string]*Device)}
}

// RegisterOrUpdate records a frame's device, creating the entry on first
// sight and otherwise widening first/last-seen and incrementing the frame
// count. Name and application id are updated from the latest frame that
// carries them.
func (r *Registry) RegisterOrUpdate(f frame.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[f.DeviceID]
	if !ok {
		d = &Device{
			DeviceID:  f.DeviceID,
			FirstSeen: f.Timestamp,
			LastSeen:  f.Timestamp,
		}
		r.devices[f.DeviceID] = d
	}

	if f.Timestamp.Before(d.FirstSeen) {
		d.FirstSeen = f.Timestamp
	}
	if f.Timestamp.After(d.LastSeen) {
		d.LastSeen = f.Timestamp
	}
	if f.DeviceName != nil {
		d.Name = f.DeviceName
	}
	if f.ApplicationID != "" {
		d.ApplicationID = f.ApplicationID
	}
	d.FrameCount++
}

// ListDevices returns a snapshot of all known devices, unordered.
func (r *Registry) ListDevices() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	return out
}

// GetDevice returns the device record for id, if known.
func (r *Registry) GetDevice(id string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// RemoveDevice deletes a device's catalog entry. It does not delete the
// device's stored frames; callers that need that must also invoke the
// engine's device-data deletion path.
func (r *Registry) RemoveDevice(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[id]; !ok {
		return errs.New(errs.InvalidInput, "registry: unknown device "+id)
	}
	delete(r.devices, id)
	return nil
}

// Clear empties the registry, used before a full rebuild.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = make(map[string]*Device)
}

// Len reports the number of known devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}
