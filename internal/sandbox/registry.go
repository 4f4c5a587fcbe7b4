package sandbox

import (
	"fmt"
	"sync"
	"time"
)

// Registry maps sandbox ids to their creation time. Entries are write-once.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]time.Time
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]time.Time)}
}

// Put records createdAt for id. Registering an id twice is an error.
func (r *Registry) Put(id string, createdAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSandbox, id)
	}
	r.entries[id] = createdAt
	return nil
}

// Remove deletes the entry for id and reports whether it was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	delete(r.entries, id)
	return ok
}

// Get returns the creation time for id.
func (r *Registry) Get(id string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.entries[id]
	return t, ok
}

// Snapshot returns a copy of all entries, safe to iterate while the
// Registry keeps changing.
func (r *Registry) Snapshot() map[string]time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]time.Time, len(r.entries))
	for id, t := range r.entries {
		out[id] = t
	}
	return out
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
