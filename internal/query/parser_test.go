package query

import (
	"testing"

	"github.com/loradb/loradb/internal/frame"
)

func TestParseSelectStar(t *testing.T) {
	q, err := Parse(`SELECT * FROM DEVICE "0123456789abcdef" WHERE LAST "1h"`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !q.Select.All {
		t.Fatal("expected Select.All")
	}
	if q.Device != "0123456789abcdef" {
		t.Fatalf("unexpected device: %q", q.Device)
	}
	if q.Filter == nil || q.Filter.Kind != FilterLast || q.Filter.Duration != "1h" {
		t.Fatalf("unexpected filter: %+v", q.Filter)
	}
}

func TestParseJoinMatchesBothJoinKinds(t *testing.T) {
	q, err := Parse(`SELECT join FROM DEVICE "0123456789abcdef" WHERE SINCE "2025-01-01T00:00:00Z"`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(q.Select.Kinds) != 2 {
		t.Fatalf("expected 2 kinds for join, got %d", len(q.Select.Kinds))
	}
	want := map[frame.Kind]bool{frame.KindJoinRequest: true, frame.KindJoinAccept: true}
	for _, k := range q.Select.Kinds {
		if !want[k] {
			t.Errorf("unexpected kind %v in join selection", k)
		}
	}
}

func TestParseFieldListWithDottedPaths(t *testing.T) {
	q, err := Parse(`SELECT device_id, decoded_payload.object FROM DEVICE "fedcba9876543210" WHERE SINCE "2025-01-01T00:00:00Z" LIMIT 50`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(q.Select.Fields) != 2 || q.Select.Fields[1] != "decoded_payload.object" {
		t.Fatalf("unexpected fields: %v", q.Select.Fields)
	}
	if q.Limit == nil || *q.Limit != 50 {
		t.Fatalf("expected limit 50, got %v", q.Limit)
	}
}

func TestParseBetween(t *testing.T) {
	q, err := Parse(`SELECT * FROM DEVICE "0123456789abcdef" WHERE BETWEEN "2025-01-01T00:00:00Z" AND "2025-01-02T00:00:00Z"`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if q.Filter.Kind != FilterBetween {
		t.Fatalf("expected FilterBetween, got %v", q.Filter.Kind)
	}
	if q.Filter.Start != "2025-01-01T00:00:00Z" || q.Filter.End != "2025-01-02T00:00:00Z" {
		t.Fatalf("unexpected filter bounds: %+v", q.Filter)
	}
}

func TestParseRejectsMissingFrom(t *testing.T) {
	_, err := Parse(`SELECT * DEVICE "0123456789abcdef" WHERE LAST "1h"`)
	if err == nil {
		t.Fatal("expected error for missing FROM keyword")
	}
}

func TestParseRejectsTrailingInput(t *testing.T) {
	_, err := Parse(`SELECT * FROM DEVICE "0123456789abcdef" WHERE LAST "1h" extra`)
	if err == nil {
		t.Fatal("expected error for trailing input")
	}
}

func TestParseRejectsMissingFilterKeyword(t *testing.T) {
	_, err := Parse(`SELECT * FROM DEVICE "0123456789abcdef" WHERE "2025-01-01T00:00:00Z"`)
	if err == nil {
		t.Fatal("expected error when WHERE isn't followed by BETWEEN/SINCE/LAST")
	}
}
