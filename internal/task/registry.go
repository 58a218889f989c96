// Package task implements the Task Registry (spec §4.3): ephemeral,
// in-memory tracking of dispatched work, with long-poll "wait until
// terminal" semantics and fan-out to many concurrent waiters.
package task

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/joyent-labs/cnapi-core/internal/common/config"
	cnapierrors "github.com/joyent-labs/cnapi-core/internal/common/errors"
	"github.com/joyent-labs/cnapi-core/internal/common/logger"
	"github.com/joyent-labs/cnapi-core/internal/transport"
	v1 "github.com/joyent-labs/cnapi-core/pkg/api/v1"
)

// waiter is one outstanding WaitTask call, grounded on the teacher's
// lifecycle Manager tracking pattern (a map of live state guarded by a
// single mutex) adapted to a notify-on-terminal channel instead of a
// polling status field.
type waiter struct {
	notify chan struct{}
}

type entry struct {
	task    *v1.Task
	waiters map[*waiter]struct{}
	// gcAt is set once the task goes terminal; the sweep loop deletes the
	// entry once time.Now() passes it.
	gcAt time.Time
}

// Registry is the Task Registry. Tasks live only in memory: a process
// restart drops them, by design (spec §1's "tasks are ephemeral").
type Registry struct {
	transport     transport.Transport
	logger        *logger.Logger
	retention     time.Duration
	activeTimeout time.Duration

	mu      sync.Mutex
	entries map[string]*entry

	onEvent func(taskID, serverID, status string)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// SetEventSink installs a callback invoked whenever a task is created or
// reaches a terminal status, used to feed the operator-facing event stream
// (internal/api/streaming). Nil-safe: a Registry with no sink installed
// simply does not publish.
func (r *Registry) SetEventSink(f func(taskID, serverID, status string)) {
	r.onEvent = f
}

// New constructs a Registry dispatching through tp, garbage-collecting
// terminal tasks cfg.RetentionWindow after they go terminal, and forcing
// a task still active after cfg.ActiveTimeout to failure (spec.md §4.3's
// administrative timeout for a missing on_terminal).
func New(tp transport.Transport, log *logger.Logger, cfg config.TaskConfig) *Registry {
	retention := cfg.RetentionWindow
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	activeTimeout := cfg.ActiveTimeout
	if activeTimeout <= 0 {
		activeTimeout = 30 * time.Minute
	}
	r := &Registry{
		transport:     tp,
		logger:        log.WithFields(zap.String("component", "task-registry")),
		retention:     retention,
		activeTimeout: activeTimeout,
		entries:       make(map[string]*entry),
		stopCh:        make(chan struct{}),
	}
	tp.RegisterProgressHandler(r.onProgress)
	tp.RegisterTerminalHandler(r.onTerminal)
	return r
}

// Start begins the background GC sweep loop.
func (r *Registry) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.gcLoop(ctx)
}

// Stop halts the background GC sweep loop.
func (r *Registry) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

// CreateTask allocates a task, dispatches it via Agent Transport, and
// returns immediately with the active task record.
func (r *Registry) CreateTask(ctx context.Context, serverID, kind string, params map[string]any) (*v1.Task, error) {
	taskID, err := r.transport.Dispatch(ctx, serverID, kind, params)
	if err != nil {
		return nil, cnapierrors.AgentUnreachable(serverID, err)
	}

	now := time.Now().UTC()
	t := &v1.Task{
		ID:           taskID,
		ServerID:     serverID,
		Kind:         kind,
		Params:       params,
		Status:       v1.TaskStatusActive,
		History:      nil,
		CreatedAt:    now,
		LastModified: now,
	}

	r.mu.Lock()
	r.entries[taskID] = &entry{task: t, waiters: make(map[*waiter]struct{})}
	r.mu.Unlock()

	r.logger.Info("task created", zap.String("task_id", taskID), zap.String("server_id", serverID), zap.String("kind", kind))
	if r.onEvent != nil {
		r.onEvent(taskID, serverID, string(v1.TaskStatusActive))
	}
	return cloneTask(t), nil
}

// GetTask returns the current record for id.
func (r *Registry) GetTask(id string) (*v1.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, cnapierrors.NotFound("task", id)
	}
	return cloneTask(e.task), nil
}

// WaitTask blocks until id reaches a terminal status or timeout elapses,
// whichever comes first. A task already terminal (or a task whose
// terminal event arrived before this call) returns immediately — the
// registry never leaves a late-arriving waiter blocked on stale state.
func (r *Registry) WaitTask(ctx context.Context, id string, timeout time.Duration) (task *v1.Task, timedOut bool, err error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return nil, false, cnapierrors.NotFound("task", id)
	}
	if e.task.Status.Terminal() {
		t := cloneTask(e.task)
		r.mu.Unlock()
		return t, false, nil
	}

	w := &waiter{notify: make(chan struct{})}
	e.waiters[w] = struct{}{}
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.notify:
		r.mu.Lock()
		t := cloneTask(e.task)
		r.mu.Unlock()
		return t, false, nil
	case <-timer.C:
		r.mu.Lock()
		delete(e.waiters, w)
		t := cloneTask(e.task)
		r.mu.Unlock()
		return t, true, nil
	case <-ctx.Done():
		r.mu.Lock()
		delete(e.waiters, w)
		r.mu.Unlock()
		return nil, false, ctx.Err()
	}
}

// ListTaskHistory returns every known task dispatched against serverID,
// newest first.
func (r *Registry) ListTaskHistory(serverID string) []*v1.Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*v1.Task, 0)
	for _, e := range r.entries {
		if e.task.ServerID == serverID {
			out = append(out, cloneTask(e.task))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// onProgress appends a history entry and wakes no one — a no-op observer
// of agent-reported progress, per spec §4.3.
func (r *Registry) onProgress(ctx context.Context, taskID, event string, detail map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[taskID]
	if !ok {
		return
	}
	if e.task.Status.Terminal() {
		return
	}

	now := time.Now().UTC()
	e.task.History = append(e.task.History, v1.HistoryEntry{Timestamp: now, Event: event, Detail: detail})
	e.task.LastModified = now
}

// onTerminal advances the task to its terminal status, wakes every
// waiter, and schedules the entry for GC.
func (r *Registry) onTerminal(ctx context.Context, taskID string, status v1.TaskStatus, result map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[taskID]
	if !ok {
		return
	}
	if e.task.Status.Terminal() {
		// Transport guarantees exactly-once delivery, but tolerate a
		// duplicate defensively rather than corrupting state.
		return
	}

	r.markTerminalLocked(taskID, e, status, result, "terminal:"+string(status))
}

// markTerminalLocked transitions e to status, wakes its waiters, and
// schedules it for GC. Callers must hold r.mu and must have already
// checked e.task.Status is not terminal.
func (r *Registry) markTerminalLocked(taskID string, e *entry, status v1.TaskStatus, result map[string]any, historyEvent string) {
	now := time.Now().UTC()
	e.task.Status = status
	e.task.History = append(e.task.History, v1.HistoryEntry{Timestamp: now, Event: historyEvent, Detail: result})
	e.task.LastModified = now
	e.gcAt = now.Add(r.retention)

	for w := range e.waiters {
		close(w.notify)
	}
	e.waiters = make(map[*waiter]struct{})

	r.logger.Info("task reached terminal state", zap.String("task_id", taskID), zap.String("status", string(status)))
	if r.onEvent != nil {
		r.onEvent(taskID, e.task.ServerID, string(status))
	}
}

// ForceFailure is the administrative escape hatch spec §4.3 describes for
// a task whose on_terminal never arrives: it synthesizes a failure
// terminal event with an explanatory history entry. The background sweep
// applies the same transition (through markTerminalLocked) once a task has
// been active longer than activeTimeout; this method is exposed so an
// operator can force the issue sooner.
func (r *Registry) ForceFailure(taskID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[taskID]
	if !ok {
		return cnapierrors.NotFound("task", taskID)
	}
	if e.task.Status.Terminal() {
		return nil
	}
	r.markTerminalLocked(taskID, e, v1.TaskStatusFailure, map[string]any{"reason": reason, "forced": true}, "terminal:forced_failure")
	return nil
}

func (r *Registry) gcLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep does two passes under one lock: it force-fails any task that has
// been active longer than activeTimeout with no on_terminal delivery
// (spec.md §4.3's administrative timeout), then deletes terminal entries
// past their gcAt.
func (r *Registry) sweep() {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, e := range r.entries {
		if !e.task.Status.Terminal() && now.Sub(e.task.CreatedAt) > r.activeTimeout {
			r.logger.Warn("forcing task to failure: no terminal event within active timeout",
				zap.String("task_id", id), zap.Duration("active_timeout", r.activeTimeout))
			r.markTerminalLocked(id, e, v1.TaskStatusFailure,
				map[string]any{"reason": "administrative timeout: no terminal event received", "forced": true},
				"terminal:forced_failure")
		}
	}

	for id, e := range r.entries {
		if e.task.Status.Terminal() && !e.gcAt.IsZero() && now.After(e.gcAt) {
			delete(r.entries, id)
		}
	}
}

func cloneTask(t *v1.Task) *v1.Task {
	out := *t
	out.History = append([]v1.HistoryEntry(nil), t.History...)
	return &out
}
