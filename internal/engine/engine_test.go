package engine

import (
	"math"
	"testing"
	"time"

	"github.com/loradb/loradb/internal/config"
	"github.com/loradb/loradb/internal/frame"
)

func testConfig(dataDir string) config.StorageConfig {
	cfg := config.Default()
	cfg.DataDir = dataDir
	cfg.MemtableThresholdMB = 4
	cfg.CompactionThreshold = 4
	cfg.FlushIntervalSeconds = 0
	cfg.RetentionCheckIntervalHrs = 0
	return cfg
}

func uplink(device string, t time.Time, port uint8, appID string) frame.Frame {
	return frame.Frame{
		Kind:          frame.KindUplink,
		DeviceID:      device,
		Timestamp:     t,
		ApplicationID: appID,
		Port:          port,
		DataRate:      frame.DataRate{Modulation: "LORA", BandwidthKHz: 125, SpreadingFactor: 7},
	}
}

func TestWriteAndQueryFromMemtable(t *testing.T) {
	eng, err := New(testConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer eng.Shutdown()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := eng.Write(uplink("0123456789abcdef", base, 1, "app-a")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := eng.Write(uplink("0123456789abcdef", base.Add(time.Second), 2, "app-a")); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := eng.UnboundedQuery("0123456789abcdef")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(got))
	}
	if got[0].Port != 1 || got[1].Port != 2 {
		t.Fatalf("expected chronological order, got ports %d, %d", got[0].Port, got[1].Port)
	}
}

func TestFlushMovesDataOutOfMemtable(t *testing.T) {
	eng, err := New(testConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer eng.Shutdown()

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		if err := eng.Write(uplink("0123456789abcdef", base.Add(time.Duration(i)*time.Second), uint8(i), "app-a")); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	if err := eng.FlushMemtable(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if eng.mem.Len() != 0 {
		t.Fatalf("expected memtable empty after flush, got %d", eng.mem.Len())
	}

	got, err := eng.UnboundedQuery("0123456789abcdef")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 frames after flush, got %d", len(got))
	}
}

func TestRecoveryReplaysWALAfterRestart(t *testing.T) {
	dir := t.TempDir()
	eng, err := New(testConfig(dir))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := eng.Write(uplink("0123456789abcdef", base, 1, "app-a")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := eng.Write(uplink("0123456789abcdef", base.Add(time.Second), 2, "app-a")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := eng.wal.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	eng2, err := New(testConfig(dir))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer eng2.Shutdown()

	got, err := eng2.UnboundedQuery("0123456789abcdef")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 recovered frames, got %d", len(got))
	}

	if _, ok := eng2.DeviceRegistry().GetDevice("0123456789abcdef"); !ok {
		t.Fatal("expected registry to be rebuilt from WAL replay")
	}
}

func TestCompactionMergesSSTablesAndPreservesQueryResults(t *testing.T) {
	eng, err := New(testConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer eng.Shutdown()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	// Two separate flush generations for the same device.
	if err := eng.Write(uplink("0123456789abcdef", base, 1, "app-a")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := eng.FlushMemtable(); err != nil {
		t.Fatalf("flush 1: %v", err)
	}
	if err := eng.Write(uplink("0123456789abcdef", base.Add(time.Second), 2, "app-a")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := eng.FlushMemtable(); err != nil {
		t.Fatalf("flush 2: %v", err)
	}

	if err := eng.Compact(); err != nil {
		t.Fatalf("compact: %v", err)
	}

	eng.ssMu.RLock()
	count := len(eng.sstables)
	eng.ssMu.RUnlock()
	if count != 1 {
		t.Fatalf("expected exactly 1 sstable after compaction, got %d", count)
	}

	got, err := eng.UnboundedQuery("0123456789abcdef")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 frames preserved across compaction, got %d", len(got))
	}
}

func TestEnforceRetentionRemovesExpiredSegments(t *testing.T) {
	cfg := testConfig(t.TempDir())
	days := uint32(1)
	cfg.GlobalRetentionDays = &days
	eng, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer eng.Shutdown()

	old := time.Now().UTC().Add(-48 * time.Hour)
	if err := eng.Write(uplink("0123456789abcdef", old, 1, "app-a")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := eng.FlushMemtable(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if err := eng.EnforceRetention(); err != nil {
		t.Fatalf("enforce retention: %v", err)
	}

	got, err := eng.UnboundedQuery("0123456789abcdef")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected expired segment to be removed, got %d frames", len(got))
	}
}

func TestDeleteDeviceRemovesFromMemtableAndSSTable(t *testing.T) {
	eng, err := New(testConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer eng.Shutdown()

	base := time.Now().UTC()
	if err := eng.Write(uplink("0123456789abcdef", base, 1, "app-a")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := eng.FlushMemtable(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := eng.Write(uplink("0123456789abcdef", base.Add(time.Second), 2, "app-a")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := eng.Write(uplink("fedcba9876543210", base, 1, "app-b")); err != nil {
		t.Fatalf("write: %v", err)
	}

	removed, err := eng.DeleteDevice("0123456789abcdef")
	if err != nil {
		t.Fatalf("delete device: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed frames, got %d", removed)
	}

	got, err := eng.UnboundedQuery("0123456789abcdef")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected deleted device to have no frames, got %d", len(got))
	}

	other, err := eng.UnboundedQuery("fedcba9876543210")
	if err != nil {
		t.Fatalf("query other device: %v", err)
	}
	if len(other) != 1 {
		t.Fatalf("expected other device's frame to survive, got %d", len(other))
	}
}

func TestQueryTimeRangeBounds(t *testing.T) {
	eng, err := New(testConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer eng.Shutdown()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		if err := eng.Write(uplink("0123456789abcdef", base.Add(time.Duration(i)*time.Hour), uint8(i), "app-a")); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	got, err := eng.Query("0123456789abcdef", base.Add(time.Hour).UnixMicro(), base.Add(3*time.Hour).UnixMicro())
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 frames in range, got %d", len(got))
	}

	all, err := eng.Query("0123456789abcdef", math.MinInt64, math.MaxInt64)
	if err != nil {
		t.Fatalf("unbounded query: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("expected all 5 frames unbounded, got %d", len(all))
	}
}
