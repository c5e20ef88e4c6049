package query

import (
	"testing"
	"time"

	"github.com/loradb/loradb/internal/frame"
)

type stubEngine struct {
	frames []frame.Frame
}

func (s *stubEngine) Query(device string, startMicros, endMicros int64) ([]frame.Frame, error) {
	return s.frames, nil
}

func uplinkFrame(device string, t time.Time, port uint8) frame.Frame {
	return frame.Frame{
		Kind:          frame.KindUplink,
		DeviceID:      device,
		Timestamp:     t,
		ApplicationID: "app-a",
		Port:          port,
		DataRate:      frame.DataRate{Modulation: "LORA", BandwidthKHz: 125, SpreadingFactor: 7},
		DecodedPayload: &frame.DecodedPayload{Object: map[string]any{
			"temperature": 21.5,
		}},
	}
}

func TestExecuteRequiresTimeFilter(t *testing.T) {
	eng := &stubEngine{}
	q := &Query{Select: Select{All: true}, Device: "0123456789abcdef"}
	_, err := Execute(eng, q, time.Now().UTC())
	if err == nil {
		t.Fatal("expected error for missing time filter")
	}
}

func TestExecuteRejectsInvalidDevice(t *testing.T) {
	eng := &stubEngine{}
	q := &Query{Select: Select{All: true}, Device: "not-a-device-id", Filter: &Filter{Kind: FilterLast, Duration: "1h"}}
	_, err := Execute(eng, q, time.Now().UTC())
	if err == nil {
		t.Fatal("expected error for invalid device id")
	}
}

func TestExecuteProjectsFields(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	eng := &stubEngine{frames: []frame.Frame{uplinkFrame("0123456789abcdef", base, 1)}}
	q := &Query{
		Select: Select{Fields: []string{"device_id", "decoded_payload.object"}},
		Device: "0123456789abcdef",
		Filter: &Filter{Kind: FilterLast, Duration: "1h"},
	}
	got, err := Execute(eng, q, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 result, got %d", len(got))
	}
	if got[0]["device_id"] != "0123456789abcdef" {
		t.Fatalf("expected projected device_id, got %v", got[0]["device_id"])
	}
	if _, ok := got[0]["decoded_payload.object"]; !ok {
		t.Fatal("expected projected dotted field decoded_payload.object")
	}
	if _, ok := got[0]["port"]; ok {
		t.Fatal("expected non-selected fields to be dropped")
	}
}

func TestExecuteFiltersByKind(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	statusFrame := frame.Frame{Kind: frame.KindStatus, DeviceID: "0123456789abcdef", Timestamp: base}
	eng := &stubEngine{frames: []frame.Frame{
		uplinkFrame("0123456789abcdef", base, 1),
		statusFrame,
	}}
	q := &Query{
		Select: Select{Kinds: []frame.Kind{frame.KindUplink}},
		Device: "0123456789abcdef",
		Filter: &Filter{Kind: FilterLast, Duration: "1h"},
	}
	got, err := Execute(eng, q, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected only the uplink frame to survive kind filtering, got %d", len(got))
	}
	if got[0]["frame_type"] != "uplink" {
		t.Fatalf("expected frame_type uplink, got %v", got[0]["frame_type"])
	}
}

func TestExecuteTruncatesAtResultCap(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	frames := make([]frame.Frame, resultCap+10)
	for i := range frames {
		frames[i] = uplinkFrame("0123456789abcdef", base.Add(time.Duration(i)*time.Second), 1)
	}
	eng := &stubEngine{frames: frames}
	q := &Query{Select: Select{All: true}, Device: "0123456789abcdef", Filter: &Filter{Kind: FilterLast, Duration: "1h"}}
	got, err := Execute(eng, q, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(got) != resultCap {
		t.Fatalf("expected result cap %d, got %d", resultCap, len(got))
	}
}

func TestExecuteRespectsUserLimitBelowCap(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	eng := &stubEngine{frames: []frame.Frame{
		uplinkFrame("0123456789abcdef", base, 1),
		uplinkFrame("0123456789abcdef", base.Add(time.Second), 2),
		uplinkFrame("0123456789abcdef", base.Add(2*time.Second), 3),
	}}
	limit := 2
	q := &Query{Select: Select{All: true}, Device: "0123456789abcdef", Filter: &Filter{Kind: FilterLast, Duration: "1h"}, Limit: &limit}
	got, err := Execute(eng, q, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected user limit of 2 to be respected, got %d", len(got))
	}
}

func TestResolveFilterLast(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	start, end, err := resolveFilter(&Filter{Kind: FilterLast, Duration: "2h"}, now)
	if err != nil {
		t.Fatalf("resolve filter: %v", err)
	}
	wantStart := now.Add(-2 * time.Hour).UnixMicro()
	if start != wantStart {
		t.Fatalf("expected start %d, got %d", wantStart, start)
	}
	if end <= start {
		t.Fatalf("expected unbounded end to be greater than start, got %d", end)
	}
}

func TestResolveFilterBetween(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	start, end, err := resolveFilter(&Filter{Kind: FilterBetween, Start: "2025-01-01T00:00:00Z", End: "2025-01-02T00:00:00Z"}, now)
	if err != nil {
		t.Fatalf("resolve filter: %v", err)
	}
	wantStart := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).UnixMicro()
	wantEnd := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC).UnixMicro()
	if start != wantStart || end != wantEnd {
		t.Fatalf("unexpected bounds: got (%d, %d), want (%d, %d)", start, end, wantStart, wantEnd)
	}
}
