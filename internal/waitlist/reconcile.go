package waitlist

import (
	"context"
	"errors"
	"sync"
	"time"

	cnapierrors "github.com/joyent-labs/cnapi-core/internal/common/errors"
	"github.com/joyent-labs/cnapi-core/internal/store"
	v1 "github.com/joyent-labs/cnapi-core/pkg/api/v1"
)

// queueLocks hands out a serializing mutex per (server_id, scope), the
// single-writer-per-queue actor spec.md §4.4 recommends. A plain
// lazily-created mutex plays the actor role here instead of a
// goroutine-and-channel actor: it gives the same "per-queue operations
// appear serial" guarantee with less machinery, and reconcileQueue's I/O
// already happens outside any other lock.
type queueLocks struct {
	mu    sync.Mutex
	locks map[v1.QueueKey]*sync.Mutex
}

func newQueueLocks() *queueLocks {
	return &queueLocks{locks: make(map[v1.QueueKey]*sync.Mutex)}
}

func (q *queueLocks) lockFor(key v1.QueueKey) *sync.Mutex {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.locks[key]
	if !ok {
		l = &sync.Mutex{}
		q.locks[key] = l
	}
	return l
}

// reconcileQueue is the reconciliation protocol from spec.md §4.4:
//  1. load all non-terminal tickets for the queue, ordered by created_at
//  2. expire anything past its deadline
//  3. if none is active among what remains, promote the earliest
//  4. persist atomically, retrying on EtagConflict
//  5. wake waiters for every ticket that changed, only after the commit
func (s *Scheduler) reconcileQueue(ctx context.Context, key v1.QueueKey) error {
	lock := s.locks.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	for attempt := 0; attempt <= s.etagRetries; attempt++ {
		recs, err := s.store.Find(ctx, store.BucketWaitlistTickets, notTerminalFilter(
			store.Condition{Field: "server_id", Op: store.OpEq, Value: key.ServerID},
			store.Condition{Field: "scope", Op: store.OpEq, Value: key.Scope},
		), store.FindOptions{SortBy: "created_at"})
		if err != nil {
			return cnapierrors.InternalError("load queue for reconcile", err)
		}
		if len(recs) == 0 {
			return nil
		}

		now := time.Now().UTC()
		versions := make(map[string]int64, len(recs))
		tickets := make([]*v1.Ticket, 0, len(recs))
		for _, rec := range recs {
			t, derr := decodeTicket(rec)
			if derr != nil {
				return cnapierrors.InternalError("decode ticket during reconcile", derr)
			}
			versions[t.UUID] = rec.Version
			tickets = append(tickets, t)
		}

		var ops []store.BatchOp
		var changed []*v1.Ticket
		remaining := make([]*v1.Ticket, 0, len(tickets))
		hasActive := false

		for _, t := range tickets {
			if !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt) {
				t.Status = v1.TicketStatusExpired
				t.UpdatedAt = now
				data, idx, eerr := encodeTicket(t)
				if eerr != nil {
					return cnapierrors.InternalError("encode expired ticket", eerr)
				}
				ops = append(ops, store.BatchOp{Put: true, Bucket: store.BucketWaitlistTickets, Key: t.UUID, Value: data, Index: idx, ExpectedVersion: versions[t.UUID]})
				changed = append(changed, t)
				continue
			}
			remaining = append(remaining, t)
			if t.Status == v1.TicketStatusActive {
				hasActive = true
			}
		}

		if !hasActive && len(remaining) > 0 {
			head := remaining[0]
			head.Status = v1.TicketStatusActive
			head.UpdatedAt = now
			data, idx, eerr := encodeTicket(head)
			if eerr != nil {
				return cnapierrors.InternalError("encode promoted ticket", eerr)
			}
			ops = append(ops, store.BatchOp{Put: true, Bucket: store.BucketWaitlistTickets, Key: head.UUID, Value: data, Index: idx, ExpectedVersion: versions[head.UUID]})
			changed = append(changed, head)
		}

		if len(ops) == 0 {
			return nil
		}

		if err := s.store.Batch(ctx, ops); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				continue
			}
			return cnapierrors.InternalError("persist reconcile batch", err)
		}

		for _, t := range changed {
			s.waiters.notify(t.UUID)
			s.publish(t)
		}
		return nil
	}

	return cnapierrors.ServiceUnavailable("store", errors.New("reconcile exceeded etag retry budget"))
}
