package waitlist

import (
	"container/heap"
	"context"
	"sync"
	"time"

	v1 "github.com/joyent-labs/cnapi-core/pkg/api/v1"
)

// wheelEntry is one scheduled deadline wakeup, grounded on queue_src.go's
// taskHeap shape (index field for heap.Fix/Remove bookkeeping) but ordered
// by nearest expires_at instead of highest priority.
type wheelEntry struct {
	expiresAt time.Time
	key       v1.QueueKey
	index     int
}

type entryHeap []*wheelEntry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool { return h[i].expiresAt.Before(h[j].expiresAt) }

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x interface{}) {
	n := len(*h)
	e := x.(*wheelEntry)
	e.index = n
	*h = append(*h, e)
}

func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[0 : n-1]
	return e
}

// timerWheel is the single shared deadline structure spec.md §5 describes:
// "a single shared structure guarded by a mutex; updates are O(log N) by
// deadline." A fired entry need not still be relevant — onDue re-derives
// truth from the store, so a stale entry for an already-terminal ticket is
// a harmless no-op.
type timerWheel struct {
	mu   sync.Mutex
	h    entryHeap
	wake chan struct{}
	onDue func(v1.QueueKey)
}

func newTimerWheel(onDue func(v1.QueueKey)) *timerWheel {
	w := &timerWheel{wake: make(chan struct{}, 1), onDue: onDue}
	heap.Init(&w.h)
	return w
}

// schedule registers a wakeup for key at expiresAt. Called once per ticket
// at creation time and once per non-terminal ticket found during
// crash-recovery scan; never removed early, since an early transition
// (release, earlier expiry of a sibling) just makes the fire a no-op.
func (w *timerWheel) schedule(expiresAt time.Time, key v1.QueueKey) {
	w.mu.Lock()
	wasEarlier := len(w.h) > 0 && expiresAt.Before(w.h[0].expiresAt)
	wasEmpty := len(w.h) == 0
	heap.Push(&w.h, &wheelEntry{expiresAt: expiresAt, key: key})
	w.mu.Unlock()

	if wasEmpty || wasEarlier {
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
}

// run is the timer service loop: wake at the nearest future deadline,
// fire onDue for every queue with a past-due entry (deduplicated per
// wakeup), recompute the next deadline, repeat. Stops when ctx is done.
func (w *timerWheel) run(ctx context.Context) {
	for {
		w.mu.Lock()
		now := time.Now()
		var due []*wheelEntry
		for len(w.h) > 0 && !w.h[0].expiresAt.After(now) {
			due = append(due, heap.Pop(&w.h).(*wheelEntry))
		}
		var wait time.Duration
		hasNext := len(w.h) > 0
		if hasNext {
			wait = w.h[0].expiresAt.Sub(now)
		}
		w.mu.Unlock()

		seen := make(map[v1.QueueKey]bool, len(due))
		for _, e := range due {
			if !seen[e.key] {
				seen[e.key] = true
				w.onDue(e.key)
			}
		}
		if len(due) > 0 {
			continue
		}

		if !hasNext {
			select {
			case <-ctx.Done():
				return
			case <-w.wake:
			}
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-w.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}
