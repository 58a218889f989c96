package waitlist

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/joyent-labs/cnapi-core/internal/common/config"
	cnapierrors "github.com/joyent-labs/cnapi-core/internal/common/errors"
	"github.com/joyent-labs/cnapi-core/internal/common/logger"
	"github.com/joyent-labs/cnapi-core/internal/store"
	v1 "github.com/joyent-labs/cnapi-core/pkg/api/v1"
)

// sweepBackends enumerates every store.Store driver the retention sweep
// must behave identically against. Memory never round-trips an IndexSet
// through JSON, so it alone would never have caught a codec bug in the
// SQLite/Postgres index_json encoding.
func sweepBackends(t *testing.T) []struct {
	name string
	st   store.Store
} {
	t.Helper()

	sqliteStore, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open in-memory sqlite store: %v", err)
	}
	t.Cleanup(func() { sqliteStore.Close() })

	backends := []struct {
		name string
		st   store.Store
	}{
		{"memory", store.NewMemory()},
		{"sqlite", sqliteStore},
	}

	if dsn := os.Getenv("TEST_DATABASE_URL"); dsn != "" {
		pgStore, err := store.NewPostgres(context.Background(), dsn)
		if err != nil {
			t.Fatalf("open postgres store: %v", err)
		}
		t.Cleanup(func() { pgStore.Close() })
		backends = append(backends, struct {
			name string
			st   store.Store
		}{"postgres", pgStore})
	} else {
		t.Log("TEST_DATABASE_URL not set; skipping postgres backend")
	}

	return backends
}

// TestSweepOnceDeletesExpiredTicketsAcrossBackends is parameterized over
// every store.Store driver: a terminal ticket whose updated_at is older
// than the retention window must be deleted by sweepOnce regardless of
// which backend holds it. This is the scenario that exposed the
// index_json time.Time-through-json.Marshal bug — Memory keeps indexed
// values as native Go types and never exhibited it, but SQLite/Postgres
// persist IndexSet through JSON and silently decoded "updated_at" back
// as a string, so the sweep's OpLt comparison against a time.Time cutoff
// always failed.
func TestSweepOnceDeletesExpiredTicketsAcrossBackends(t *testing.T) {
	for _, backend := range sweepBackends(t) {
		t.Run(backend.name, func(t *testing.T) {
			cfg := config.WaitlistConfig{
				MaxLimit:              1000,
				DefaultTimeoutSeconds: 30,
				RetentionWindow:       time.Minute,
				SweepInterval:         time.Hour,
			}
			s := New(backend.st, logger.Default(), cfg)
			ctx := context.Background()

			old := time.Now().Add(-2 * time.Hour)
			ticket := &v1.Ticket{
				UUID:      uuid.NewString(),
				ServerID:  "cn-001",
				Scope:     "provision",
				ID:        "vm-1",
				Status:    v1.TicketStatusFinished,
				CreatedAt: old,
				UpdatedAt: old,
			}
			data, idx, err := encodeTicket(ticket)
			if err != nil {
				t.Fatalf("encode ticket: %v", err)
			}
			if _, err := backend.st.Put(ctx, store.BucketWaitlistTickets, ticket.UUID, data, idx, 0); err != nil {
				t.Fatalf("persist ticket: %v", err)
			}

			s.sweepOnce(ctx)

			if _, err := s.GetTicket(ctx, ticket.UUID); !cnapierrors.IsNotFound(err) {
				t.Errorf("expected ticket %s to be swept away, got err=%v", ticket.UUID, err)
			}
		})
	}
}

// TestSweepOnceLeavesFreshTerminalTicketsAcrossBackends guards against the
// opposite failure mode: a terminal ticket still inside the retention
// window must survive the sweep on every backend.
func TestSweepOnceLeavesFreshTerminalTicketsAcrossBackends(t *testing.T) {
	for _, backend := range sweepBackends(t) {
		t.Run(backend.name, func(t *testing.T) {
			cfg := config.WaitlistConfig{
				MaxLimit:              1000,
				DefaultTimeoutSeconds: 30,
				RetentionWindow:       time.Hour,
				SweepInterval:         time.Hour,
			}
			s := New(backend.st, logger.Default(), cfg)
			ctx := context.Background()

			now := time.Now()
			ticket := &v1.Ticket{
				UUID:      uuid.NewString(),
				ServerID:  "cn-001",
				Scope:     "provision",
				ID:        "vm-2",
				Status:    v1.TicketStatusFinished,
				CreatedAt: now,
				UpdatedAt: now,
			}
			data, idx, err := encodeTicket(ticket)
			if err != nil {
				t.Fatalf("encode ticket: %v", err)
			}
			if _, err := backend.st.Put(ctx, store.BucketWaitlistTickets, ticket.UUID, data, idx, 0); err != nil {
				t.Fatalf("persist ticket: %v", err)
			}

			s.sweepOnce(ctx)

			if _, err := s.GetTicket(ctx, ticket.UUID); err != nil {
				t.Errorf("expected fresh terminal ticket to survive sweep, got err=%v", err)
			}
		})
	}
}
