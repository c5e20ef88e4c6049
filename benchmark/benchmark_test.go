package benchmark

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/loradb/loradb/internal/config"
	"github.com/loradb/loradb/internal/frame"
	"github.com/loradb/loradb/pkg/loradb"
)

func setupDB(b *testing.B) *loradb.DB {
	cfg := config.Default()
	cfg.DataDir = b.TempDir()
	db, err := loradb.Open(cfg)
	if err != nil {
		b.Fatalf("open: %v", err)
	}
	return db
}

func uplink(device string, seq int, t time.Time) frame.Frame {
	return frame.Frame{
		Kind:          frame.KindUplink,
		DeviceID:      device,
		Timestamp:     t,
		ApplicationID: "bench-app",
		FrameCounter:  uint32(seq),
		Port:          1,
		DataRate:      frame.DataRate{Modulation: "LORA", BandwidthKHz: 125, SpreadingFactor: 7},
		FrequencyHz:   868100000,
	}
}

func devices(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%016x", i+1)
	}
	return out
}

// BenchmarkWrite measures the write path: registry update, WAL append,
// memtable insert.
func BenchmarkWrite(b *testing.B) {
	db := setupDB(b)
	defer db.Close()

	ids := devices(1)
	base := time.Now().UTC()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		f := uplink(ids[0], i, base.Add(time.Duration(i)*time.Microsecond))
		if err := db.Write(f); err != nil {
			b.Fatalf("write: %v", err)
		}
	}
}

// BenchmarkQueryFromMemtable measures range-query latency before any flush.
func BenchmarkQueryFromMemtable(b *testing.B) {
	db := setupDB(b)
	defer db.Close()

	device := devices(1)[0]
	numFrames := 1000
	base := time.Now().UTC()
	for i := 0; i < numFrames; i++ {
		f := uplink(device, i, base.Add(time.Duration(i)*time.Second))
		if err := db.Write(f); err != nil {
			b.Fatalf("write: %v", err)
		}
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := db.Query(device, nil, nil); err != nil {
			b.Fatalf("query: %v", err)
		}
	}
}

// BenchmarkQueryFromSSTable measures range-query latency once data has been
// forced out of the memtable into a flushed SSTable.
func BenchmarkQueryFromSSTable(b *testing.B) {
	db := setupDB(b)
	defer db.Close()

	device := devices(1)[0]
	numFrames := 5000
	base := time.Now().UTC()
	for i := 0; i < numFrames; i++ {
		f := uplink(device, i, base.Add(time.Duration(i)*time.Second))
		if err := db.Write(f); err != nil {
			b.Fatalf("write: %v", err)
		}
	}
	if err := db.Flush(); err != nil {
		b.Fatalf("flush: %v", err)
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := db.Query(device, nil, nil); err != nil {
			b.Fatalf("query: %v", err)
		}
	}
}

// BenchmarkDeleteDevice measures the cost of the rewrite-on-delete path.
func BenchmarkDeleteDevice(b *testing.B) {
	db := setupDB(b)
	defer db.Close()

	ids := devices(b.N)
	base := time.Now().UTC()
	for i, id := range ids {
		if err := db.Write(uplink(id, 0, base.Add(time.Duration(i)*time.Second))); err != nil {
			b.Fatalf("write: %v", err)
		}
	}
	if err := db.Flush(); err != nil {
		b.Fatalf("flush: %v", err)
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := db.DeleteDevice(ids[i]); err != nil {
			b.Fatalf("delete device: %v", err)
		}
	}
}

// BenchmarkConcurrentWrites measures write throughput across many devices
// written from multiple goroutines at once.
func BenchmarkConcurrentWrites(b *testing.B) {
	db := setupDB(b)
	defer db.Close()

	ids := devices(64)
	base := time.Now().UTC()

	b.ResetTimer()
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		rng := rand.New(rand.NewSource(42))
		i := 0
		for pb.Next() {
			device := ids[rng.Intn(len(ids))]
			f := uplink(device, i, base.Add(time.Duration(i)*time.Microsecond))
			if err := db.Write(f); err != nil {
				b.Fatalf("write: %v", err)
			}
			i++
		}
	})
}

// BenchmarkConcurrentQueries measures query throughput against a
// pre-populated set of devices, read from multiple goroutines at once.
func BenchmarkConcurrentQueries(b *testing.B) {
	db := setupDB(b)
	defer db.Close()

	ids := devices(32)
	base := time.Now().UTC()
	for _, id := range ids {
		for i := 0; i < 100; i++ {
			if err := db.Write(uplink(id, i, base.Add(time.Duration(i)*time.Second))); err != nil {
				b.Fatalf("write: %v", err)
			}
		}
	}

	b.ResetTimer()
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		rng := rand.New(rand.NewSource(7))
		for pb.Next() {
			device := ids[rng.Intn(len(ids))]
			if _, err := db.Query(device, nil, nil); err != nil {
				b.Fatalf("query: %v", err)
			}
		}
	})
}
