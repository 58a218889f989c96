package waitlist

import "sync"

// waiter is one outstanding WaitTicket call. Grounded on the same
// notify-channel fan-out idiom internal/task/registry.go uses for WaitTask,
// adapted here to key off a ticket uuid living in the store rather than an
// in-memory task entry.
type waiter struct {
	notify chan struct{}
}

type waiterRegistry struct {
	mu      sync.Mutex
	waiters map[string]map[*waiter]struct{}
}

func newWaiterRegistry() *waiterRegistry {
	return &waiterRegistry{waiters: make(map[string]map[*waiter]struct{})}
}

func (r *waiterRegistry) register(uuid string) *waiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := &waiter{notify: make(chan struct{})}
	set, ok := r.waiters[uuid]
	if !ok {
		set = make(map[*waiter]struct{})
		r.waiters[uuid] = set
	}
	set[w] = struct{}{}
	return w
}

func (r *waiterRegistry) unregister(uuid string, w *waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.waiters[uuid]
	if !ok {
		return
	}
	delete(set, w)
	if len(set) == 0 {
		delete(r.waiters, uuid)
	}
}

// notify wakes every waiter registered against uuid exactly once. A ticket
// transitions away from queued at most once, so closing and dropping the
// whole set is correct — there is no second wave to deliver.
func (r *waiterRegistry) notify(uuid string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.waiters[uuid]
	if !ok {
		return
	}
	for w := range set {
		close(w.notify)
	}
	delete(r.waiters, uuid)
}
