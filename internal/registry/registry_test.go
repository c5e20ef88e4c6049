package registry

import (
	"testing"
	"time"

	"github.com/loradb/loradb/internal/frame"
)

func testFrame(device, appID string, t time.Time) frame.Frame {
	return frame.Frame{
		Kind:          frame.KindUplink,
		DeviceID:      device,
		Timestamp:     t,
		ApplicationID: appID,
		Port:          1,
		DataRate:      frame.DataRate{Modulation: "LORA", BandwidthKHz: 125, SpreadingFactor: 7},
	}
}

func TestRegisterOrUpdateCreatesAndWidens(t *testing.T) {
	r := New()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	r.RegisterOrUpdate(testFrame("0123456789abcdef", "app-a", base))
	d, ok := r.GetDevice("0123456789abcdef")
	if !ok {
		t.Fatal("expected device to be registered")
	}
	if d.FrameCount != 1 {
		t.Fatalf("expected frame count 1, got %d", d.FrameCount)
	}
	if !d.FirstSeen.Equal(base) || !d.LastSeen.Equal(base) {
		t.Fatal("expected first/last seen to equal the first frame's timestamp")
	}

	r.RegisterOrUpdate(testFrame("0123456789abcdef", "app-a", base.Add(-time.Hour)))
	r.RegisterOrUpdate(testFrame("0123456789abcdef", "app-a", base.Add(time.Hour)))

	d, _ = r.GetDevice("0123456789abcdef")
	if d.FrameCount != 3 {
		t.Fatalf("expected frame count 3, got %d", d.FrameCount)
	}
	if !d.FirstSeen.Equal(base.Add(-time.Hour)) {
		t.Fatalf("expected first seen widened backward, got %v", d.FirstSeen)
	}
	if !d.LastSeen.Equal(base.Add(time.Hour)) {
		t.Fatalf("expected last seen widened forward, got %v", d.LastSeen)
	}
}

func TestGetDeviceUnknown(t *testing.T) {
	r := New()
	if _, ok := r.GetDevice("0123456789abcdef"); ok {
		t.Fatal("expected unknown device to report not-found")
	}
}

func TestRemoveDevice(t *testing.T) {
	r := New()
	r.RegisterOrUpdate(testFrame("0123456789abcdef", "app-a", time.Now().UTC()))

	if err := r.RemoveDevice("0123456789abcdef"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := r.GetDevice("0123456789abcdef"); ok {
		t.Fatal("expected device to be gone after removal")
	}
	if err := r.RemoveDevice("0123456789abcdef"); err == nil {
		t.Fatal("expected error removing an already-absent device")
	}
}

func TestListDevicesAndLen(t *testing.T) {
	r := New()
	r.RegisterOrUpdate(testFrame("0123456789abcdef", "app-a", time.Now().UTC()))
	r.RegisterOrUpdate(testFrame("fedcba9876543210", "app-b", time.Now().UTC()))

	if r.Len() != 2 {
		t.Fatalf("expected 2 devices, got %d", r.Len())
	}
	if len(r.ListDevices()) != 2 {
		t.Fatal("expected ListDevices to return 2 entries")
	}
}

func TestClear(t *testing.T) {
	r := New()
	r.RegisterOrUpdate(testFrame("0123456789abcdef", "app-a", time.Now().UTC()))
	r.Clear()
	if r.Len() != 0 {
		t.Fatalf("expected 0 devices after clear, got %d", r.Len())
	}
}
