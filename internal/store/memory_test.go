package store

import (
	"context"
	"testing"
	"time"
)

func TestMemoryPutCreateThenConflict(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	v, err := m.Put(ctx, "b", "k1", []byte("v1"), IndexSet{"status": "queued"}, 0)
	if err != nil {
		t.Fatalf("Put create failed: %v", err)
	}
	if v != 1 {
		t.Errorf("expected version 1, got %d", v)
	}

	if _, err := m.Put(ctx, "b", "k1", []byte("v2"), nil, 0); err != ErrVersionConflict {
		t.Errorf("expected ErrVersionConflict creating over existing key, got %v", err)
	}
}

func TestMemoryPutUpdateRequiresMatchingVersion(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	v1, _ := m.Put(ctx, "b", "k1", []byte("v1"), nil, 0)

	if _, err := m.Put(ctx, "b", "k1", []byte("stale"), nil, v1+5); err != ErrVersionConflict {
		t.Errorf("expected ErrVersionConflict on wrong expected version, got %v", err)
	}

	v2, err := m.Put(ctx, "b", "k1", []byte("v2"), nil, v1)
	if err != nil {
		t.Fatalf("Put update failed: %v", err)
	}
	if v2 != v1+1 {
		t.Errorf("expected version %d, got %d", v1+1, v2)
	}
}

func TestMemoryGetNotFound(t *testing.T) {
	m := NewMemory()
	if _, err := m.Get(context.Background(), "b", "missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryDeleteIsIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.Put(ctx, "b", "k1", []byte("v1"), nil, 0)

	if err := m.Delete(ctx, "b", "k1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := m.Delete(ctx, "b", "k1"); err != nil {
		t.Errorf("expected idempotent Delete to succeed, got %v", err)
	}
	if _, err := m.Get(ctx, "b", "k1"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemoryFindFilterSortAndPage(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	records := []struct {
		key      string
		serverID string
		offset   time.Duration
	}{
		{"t1", "server-a", 0},
		{"t2", "server-a", time.Minute},
		{"t3", "server-b", 2 * time.Minute},
		{"t4", "server-a", 3 * time.Minute},
	}
	for _, r := range records {
		m.Put(ctx, "tickets", r.key, []byte(r.key), IndexSet{
			"server_id":  r.serverID,
			"created_at": base.Add(r.offset),
		}, 0)
	}

	got, err := m.Find(ctx, "tickets", Filter{{Field: "server_id", Op: OpEq, Value: "server-a"}}, FindOptions{SortBy: "created_at"})
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 matches, got %d", len(got))
	}
	if got[0].Key != "t1" || got[1].Key != "t2" || got[2].Key != "t4" {
		t.Errorf("unexpected order: %v", keysOf(got))
	}

	page, err := m.Find(ctx, "tickets", Filter{{Field: "server_id", Op: OpEq, Value: "server-a"}}, FindOptions{SortBy: "created_at", Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("Find page failed: %v", err)
	}
	if len(page) != 1 || page[0].Key != "t2" {
		t.Errorf("expected page [t2], got %v", keysOf(page))
	}
}

func TestMemoryFindBreaksSortTiesByKey(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	same := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, key := range []string{"ccc", "aaa", "bbb"} {
		m.Put(ctx, "tickets", key, []byte(key), IndexSet{"created_at": same}, 0)
	}

	got, err := m.Find(ctx, "tickets", nil, FindOptions{SortBy: "created_at"})
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if keys := keysOf(got); keys[0] != "aaa" || keys[1] != "bbb" || keys[2] != "ccc" {
		t.Errorf("expected deterministic lexicographic tie-break by key, got %v", keys)
	}
}

func keysOf(recs []*Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Key
	}
	return out
}

func TestMemoryBatchAllOrNothing(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.Put(ctx, "b", "existing", []byte("v"), nil, 0)

	err := m.Batch(ctx, []BatchOp{
		{Put: true, Bucket: "b", Key: "new1", Value: []byte("x"), ExpectedVersion: 0},
		{Put: true, Bucket: "b", Key: "existing", Value: []byte("y"), ExpectedVersion: 0}, // wrong: already exists
	})
	if err != ErrVersionConflict {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	if _, err := m.Get(ctx, "b", "new1"); err != ErrNotFound {
		t.Errorf("expected failed batch to leave no partial writes, got err=%v", err)
	}
}
