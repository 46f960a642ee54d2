package tick

import "sync"

// Handle is what the scheduler polls. Every worker task implements it.
type Handle interface {
	Name() string
	// Stopped reports that the task's goroutine terminated because a fault
	// escaped its per-tick work. It never makes progress again.
	Stopped() bool
	// TickFinished reports that the task completed its work for the tick in progress.
	TickFinished() bool
	// Retired reports that the task was replaced by a fresh instance and has
	// no work in flight, so it must no longer be waited on.
	Retired() bool
}

// Registry is the append-only set of tasks the scheduler waits on.
// Registration may happen from any goroutine, including during a tick.
type Registry struct {
	mu    sync.RWMutex
	items []Handle
}

func NewRegistry() *Registry { return &Registry{} }

func (r *Registry) Add(h Handle) {
	if h == nil {
		return
	}
	r.mu.Lock()
	r.items = append(r.items, h)
	r.mu.Unlock()
}

// Snapshot returns the registered tasks in registration order.
func (r *Registry) Snapshot() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Handle(nil), r.items...)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}
