package store

import (
	"encoding/json"
	"testing"
	"time"
)

// TestIndexSetJSONRoundTripPreservesTypes guards the bug the retention
// sweep hit: persisting an IndexSet through json.Marshal/Unmarshal (as the
// SQLite and Postgres backends do for index_json) must hand back the same
// concrete Go types that went in, not whatever the plain encoding/json
// default would decode an any-typed map into (time.Time flattens to
// string, int64 flattens to float64).
func TestIndexSetJSONRoundTripPreservesTypes(t *testing.T) {
	when := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	idx := IndexSet{
		"server_id":  "cn-001",
		"count":      int64(7),
		"ratio":      1.5,
		"active":     true,
		"updated_at": when,
	}

	data, err := json.Marshal(idx)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out IndexSet
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if s, ok := out["server_id"].(string); !ok || s != "cn-001" {
		t.Errorf("server_id: expected string cn-001, got %#v", out["server_id"])
	}
	if n, ok := out["count"].(int64); !ok || n != 7 {
		t.Errorf("count: expected int64 7, got %#v", out["count"])
	}
	if f, ok := out["ratio"].(float64); !ok || f != 1.5 {
		t.Errorf("ratio: expected float64 1.5, got %#v", out["ratio"])
	}
	if b, ok := out["active"].(bool); !ok || !b {
		t.Errorf("active: expected bool true, got %#v", out["active"])
	}
	tm, ok := out["updated_at"].(time.Time)
	if !ok || !tm.Equal(when) {
		t.Errorf("updated_at: expected time.Time %v, got %#v", when, out["updated_at"])
	}
}

// TestIndexSetJSONRoundTripKeepsFilterComparisonsWorking exercises the
// exact path that broke the retention sweep: a time.Time index value,
// round-tripped through JSON the way SQLite/Postgres persist it, must
// still compare correctly against a time.Time filter value.
func TestIndexSetJSONRoundTripKeepsFilterComparisonsWorking(t *testing.T) {
	old := time.Now().Add(-2 * time.Hour)
	cutoff := time.Now().Add(-time.Hour)

	data, err := json.Marshal(IndexSet{"updated_at": old})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var idx IndexSet
	if err := json.Unmarshal(data, &idx); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if !matches(idx, Filter{{Field: "updated_at", Op: OpLt, Value: cutoff}}) {
		t.Errorf("expected round-tripped updated_at %v to compare < cutoff %v", old, cutoff)
	}
}

// TestIndexSetJSONHandlesNilAndEmpty covers the null/empty edge cases a
// record with no indexed fields hits.
func TestIndexSetJSONHandlesNilAndEmpty(t *testing.T) {
	var nilIdx IndexSet
	data, err := json.Marshal(nilIdx)
	if err != nil {
		t.Fatalf("marshal nil: %v", err)
	}

	var out IndexSet
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("expected empty result, got %#v", out)
	}

	var fromNull IndexSet
	if err := json.Unmarshal([]byte("null"), &fromNull); err != nil {
		t.Fatalf("unmarshal null literal: %v", err)
	}
	if fromNull != nil {
		t.Errorf("expected nil IndexSet from null literal, got %#v", fromNull)
	}
}
