package transport

import (
	"context"
	"sync"
)

// InFlightRegistry maps running invocation IDs to their cancel functions so
// that a later request can abort them. Each entry remembers the tenant that
// started it; other tenants cannot see it.
type InFlightRegistry struct {
	mu      sync.Mutex
	entries map[string]inFlight
}

type inFlight struct {
	owner  string
	cancel context.CancelFunc
}

// NewInFlightRegistry creates an empty registry.
func NewInFlightRegistry() *InFlightRegistry {
	return &InFlightRegistry{entries: make(map[string]inFlight)}
}

// Register adds a running invocation started by owner. An empty owner is an
// unscoped caller.
func (r *InFlightRegistry) Register(id, owner string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = inFlight{owner: owner, cancel: cancel}
}

// Cancel aborts invocation id on behalf of tenant. It reports false when no
// such invocation is running or it belongs to another tenant; an empty
// tenant may cancel any invocation.
func (r *InFlightRegistry) Cancel(id, tenant string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || (tenant != "" && e.owner != tenant) {
		return false
	}
	e.cancel()
	delete(r.entries, id)
	return true
}

// Remove drops an invocation without cancelling it.
func (r *InFlightRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Len returns the number of running invocations.
func (r *InFlightRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
