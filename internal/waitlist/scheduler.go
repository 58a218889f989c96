// Package waitlist implements the Waitlist Scheduler (spec.md §4.4): the
// heart of the system, ordering conflicting operations against the same
// compute node through a ticket queue per (server_id, scope).
package waitlist

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/joyent-labs/cnapi-core/internal/common/config"
	cnapierrors "github.com/joyent-labs/cnapi-core/internal/common/errors"
	"github.com/joyent-labs/cnapi-core/internal/common/logger"
	"github.com/joyent-labs/cnapi-core/internal/store"
	v1 "github.com/joyent-labs/cnapi-core/pkg/api/v1"
)

// ListOptions controls ListTickets paging and filtering.
type ListOptions struct {
	Limit  int
	Offset int
	Scope  string
	Status string
}

// Scheduler is the Waitlist Scheduler. Tickets are durable (persisted
// through store.Store); waiters and the deadline timer are in-memory and
// rebuilt from the store on Start.
type Scheduler struct {
	store  store.Store
	logger *logger.Logger

	maxLimit      int
	defaultWait   time.Duration
	retention     time.Duration
	sweepInterval time.Duration
	etagRetries   int

	locks   *queueLocks
	waiters *waiterRegistry
	timer   *timerWheel

	onEvent func(ticketUUID, serverID, scope, status string)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// SetEventSink installs a callback invoked after every durable ticket
// status transition (create, promote, release, expire), used to feed the
// operator-facing event stream (internal/api/streaming). Nil-safe: a
// Scheduler with no sink installed simply does not publish.
func (s *Scheduler) SetEventSink(f func(ticketUUID, serverID, scope, status string)) {
	s.onEvent = f
}

func (s *Scheduler) publish(t *v1.Ticket) {
	if s.onEvent != nil {
		s.onEvent(t.UUID, t.ServerID, t.Scope, string(t.Status))
	}
}

// New constructs a Scheduler backed by st, configured from cfg.
func New(st store.Store, log *logger.Logger, cfg config.WaitlistConfig) *Scheduler {
	s := &Scheduler{
		store:         st,
		logger:        log.WithFields(zap.String("component", "waitlist-scheduler")),
		maxLimit:      cfg.MaxLimit,
		defaultWait:   time.Duration(cfg.DefaultTimeoutSeconds) * time.Second,
		retention:     cfg.RetentionWindow,
		sweepInterval: cfg.SweepInterval,
		etagRetries:   3,
		locks:         newQueueLocks(),
		waiters:       newWaiterRegistry(),
		stopCh:        make(chan struct{}),
	}
	s.timer = newTimerWheel(func(key v1.QueueKey) {
		if err := s.reconcileQueue(context.Background(), key); err != nil {
			s.logger.Warn("deadline-triggered reconcile failed", zap.String("server_id", key.ServerID), zap.String("scope", key.Scope), zap.Error(err))
		}
	})
	return s
}

// Start performs crash recovery (spec.md §4.4 Failure semantics: "every
// queue with non-terminal tickets must be reconciled exactly once before
// accepting new requests"), rebuilds the deadline timer from the store, and
// launches the timer and retention-sweep background loops.
func (s *Scheduler) Start(ctx context.Context) error {
	recs, err := s.store.Find(ctx, store.BucketWaitlistTickets, notTerminalFilter(), store.FindOptions{})
	if err != nil {
		return cnapierrors.InternalError("scan tickets for recovery", err)
	}

	queues := make(map[v1.QueueKey]struct{})
	for _, rec := range recs {
		t, derr := decodeTicket(rec)
		if derr != nil {
			return cnapierrors.InternalError("decode ticket during recovery", derr)
		}
		key := queueKeyOf(t)
		queues[key] = struct{}{}
		if !t.ExpiresAt.IsZero() {
			s.timer.schedule(t.ExpiresAt, key)
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-s.stopCh:
				cancel()
			case <-runCtx.Done():
			}
		}()
		s.timer.run(runCtx)
	}()
	s.wg.Add(1)
	go s.sweepLoop(ctx)

	for key := range queues {
		if err := s.reconcileQueue(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// Stop halts the background timer and sweep loops.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// CreateTicket persists a new queued ticket, reconciles its queue, and
// returns the stored ticket alongside a snapshot of the full queue as seen
// immediately after creation.
func (s *Scheduler) CreateTicket(ctx context.Context, serverID, scope, id string, expiresAt time.Time, action string, extra map[string]any) (*v1.Ticket, []*v1.Ticket, error) {
	now := time.Now().UTC()
	t := &v1.Ticket{
		UUID:      uuid.NewString(),
		ServerID:  serverID,
		Scope:     scope,
		ID:        id,
		Status:    v1.TicketStatusQueued,
		ExpiresAt: expiresAt,
		CreatedAt: now,
		UpdatedAt: now,
		Action:    action,
		Extra:     extra,
	}

	data, idx, err := encodeTicket(t)
	if err != nil {
		return nil, nil, cnapierrors.InternalError("encode ticket", err)
	}
	if _, err := s.store.Put(ctx, store.BucketWaitlistTickets, t.UUID, data, idx, 0); err != nil {
		return nil, nil, cnapierrors.InternalError("persist ticket", err)
	}

	key := v1.QueueKey{ServerID: serverID, Scope: scope}
	if !expiresAt.IsZero() {
		s.timer.schedule(expiresAt, key)
	}

	if err := s.reconcileQueue(ctx, key); err != nil {
		return nil, nil, err
	}

	fresh, err := s.GetTicket(ctx, t.UUID)
	if err != nil {
		return nil, nil, err
	}
	s.publish(fresh)
	snapshot, err := s.queueSnapshot(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	return fresh, snapshot, nil
}

// GetTicket returns the ticket record for uuid, or cnapierrors.NotFound.
func (s *Scheduler) GetTicket(ctx context.Context, ticketUUID string) (*v1.Ticket, error) {
	rec, err := s.store.Get(ctx, store.BucketWaitlistTickets, ticketUUID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, cnapierrors.NotFound("ticket", ticketUUID)
	}
	if err != nil {
		return nil, cnapierrors.InternalError("load ticket", err)
	}
	return decodeTicket(rec)
}

// queueSnapshot returns every ticket (any status) for key, created_at
// ascending — the "full queue" view CreateTicket's response embeds.
func (s *Scheduler) queueSnapshot(ctx context.Context, key v1.QueueKey) ([]*v1.Ticket, error) {
	recs, err := s.store.Find(ctx, store.BucketWaitlistTickets, store.Filter{
		{Field: "server_id", Op: store.OpEq, Value: key.ServerID},
		{Field: "scope", Op: store.OpEq, Value: key.Scope},
	}, store.FindOptions{SortBy: "created_at"})
	if err != nil {
		return nil, cnapierrors.InternalError("load queue snapshot", err)
	}
	out := make([]*v1.Ticket, 0, len(recs))
	for _, rec := range recs {
		t, derr := decodeTicket(rec)
		if derr != nil {
			return nil, cnapierrors.InternalError("decode ticket in snapshot", derr)
		}
		out = append(out, t)
	}
	return out, nil
}

// ListTickets validates limit/offset and returns a page of tickets for
// serverID, optionally narrowed by scope/status.
func (s *Scheduler) ListTickets(ctx context.Context, serverID string, opts ListOptions) ([]*v1.Ticket, error) {
	if opts.Limit < 1 || opts.Limit > s.maxLimit {
		return nil, cnapierrors.BadParam("limit must be an integer between 1 and max_limit")
	}
	if opts.Offset < 0 {
		return nil, cnapierrors.BadParam("offset must be >= 0")
	}

	filter := store.Filter{{Field: "server_id", Op: store.OpEq, Value: serverID}}
	if opts.Scope != "" {
		filter = append(filter, store.Condition{Field: "scope", Op: store.OpEq, Value: opts.Scope})
	}
	if opts.Status != "" {
		filter = append(filter, store.Condition{Field: "status", Op: store.OpEq, Value: opts.Status})
	}

	recs, err := s.store.Find(ctx, store.BucketWaitlistTickets, filter, store.FindOptions{SortBy: "created_at", Limit: opts.Limit, Offset: opts.Offset})
	if err != nil {
		return nil, cnapierrors.InternalError("list tickets", err)
	}

	out := make([]*v1.Ticket, 0, len(recs))
	for _, rec := range recs {
		t, derr := decodeTicket(rec)
		if derr != nil {
			return nil, cnapierrors.InternalError("decode ticket", derr)
		}
		out = append(out, t)
	}
	return out, nil
}

// WaitTicket blocks until uuid leaves status queued (reaching active or
// expired) or timeout elapses. A ticket already active or terminal returns
// immediately; a waiter registered before the transition is guaranteed a
// wakeup regardless of how the registration race falls, since the waiter
// is registered first and the post-registration state is rechecked before
// ever blocking.
func (s *Scheduler) WaitTicket(ctx context.Context, ticketUUID string, timeout time.Duration) (ticket *v1.Ticket, timedOut bool, err error) {
	if timeout <= 0 {
		timeout = s.defaultWait
	}

	w := s.waiters.register(ticketUUID)
	t, err := s.GetTicket(ctx, ticketUUID)
	if err != nil {
		s.waiters.unregister(ticketUUID, w)
		return nil, false, err
	}
	if t.Status != v1.TicketStatusQueued {
		s.waiters.unregister(ticketUUID, w)
		return t, false, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.notify:
		latest, gerr := s.GetTicket(ctx, ticketUUID)
		if gerr != nil {
			return nil, false, gerr
		}
		return latest, false, nil
	case <-timer.C:
		s.waiters.unregister(ticketUUID, w)
		latest, gerr := s.GetTicket(ctx, ticketUUID)
		if gerr != nil {
			return nil, false, gerr
		}
		return latest, true, nil
	case <-ctx.Done():
		s.waiters.unregister(ticketUUID, w)
		return nil, false, ctx.Err()
	}
}

// ReleaseTicket transitions an active ticket to finished and reconciles
// its queue. A duplicate release (ticket no longer active) returns
// NotActive rather than ever promoting the queue a second time.
func (s *Scheduler) ReleaseTicket(ctx context.Context, ticketUUID string) (*v1.Ticket, error) {
	for attempt := 0; attempt <= s.etagRetries; attempt++ {
		rec, err := s.store.Get(ctx, store.BucketWaitlistTickets, ticketUUID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, cnapierrors.NotFound("ticket", ticketUUID)
		}
		if err != nil {
			return nil, cnapierrors.InternalError("load ticket", err)
		}

		t, derr := decodeTicket(rec)
		if derr != nil {
			return nil, cnapierrors.InternalError("decode ticket", derr)
		}
		if t.Status != v1.TicketStatusActive {
			return nil, cnapierrors.NotActive(ticketUUID)
		}

		t.Status = v1.TicketStatusFinished
		t.UpdatedAt = time.Now().UTC()
		data, idx, eerr := encodeTicket(t)
		if eerr != nil {
			return nil, cnapierrors.InternalError("encode ticket", eerr)
		}

		_, err = s.store.Put(ctx, store.BucketWaitlistTickets, ticketUUID, data, idx, rec.Version)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, cnapierrors.InternalError("persist released ticket", err)
		}

		s.waiters.notify(ticketUUID)
		s.publish(t)

		if err := s.reconcileQueue(ctx, queueKeyOf(t)); err != nil {
			return nil, err
		}
		return t, nil
	}
	return nil, cnapierrors.ServiceUnavailable("store", errors.New("release exceeded etag retry budget"))
}

// DeleteTickets bulk-deletes every ticket for serverID, paging past the
// store's per-query cap. Without force, it refuses while any ticket is
// active.
func (s *Scheduler) DeleteTickets(ctx context.Context, serverID string, force bool) (int, error) {
	if !force {
		active, err := s.store.Find(ctx, store.BucketWaitlistTickets, store.Filter{
			{Field: "server_id", Op: store.OpEq, Value: serverID},
			{Field: "status", Op: store.OpEq, Value: string(v1.TicketStatusActive)},
		}, store.FindOptions{Limit: 1})
		if err != nil {
			return 0, cnapierrors.InternalError("check active tickets before delete", err)
		}
		if len(active) > 0 {
			return 0, cnapierrors.Conflict("active tickets exist for this server; pass force=true to delete them")
		}
	}

	total := 0
	for {
		recs, err := s.store.Find(ctx, store.BucketWaitlistTickets, store.Filter{
			{Field: "server_id", Op: store.OpEq, Value: serverID},
		}, store.FindOptions{Limit: sweepPageSize})
		if err != nil {
			return total, cnapierrors.InternalError("list tickets for delete", err)
		}
		if len(recs) == 0 {
			break
		}
		for _, rec := range recs {
			if err := s.store.Delete(ctx, store.BucketWaitlistTickets, rec.Key); err != nil {
				return total, cnapierrors.InternalError("delete ticket", err)
			}
			total++
		}
	}
	return total, nil
}
