package worker

import "sync"

// Barrier orders frontier and backlog mutations against the exhaustion check.
//
// Dispatcher deliveries and worker completions change the frontier and the ingestion backlog in
// separate steps. They run under Handoff, which may overlap with each other. The REQUEST_WORK
// exhaustion check runs under Settled and observes both counts with no handoff half applied.
//
// Lock order: Barrier before any frontier lock.
type Barrier struct {
	mu sync.RWMutex
}

// Handoff runs fn while no exhaustion check is in progress.
func (b *Barrier) Handoff(fn func() error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return fn()
}

// Settled runs fn while no handoff is in progress.
func (b *Barrier) Settled(fn func() error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fn()
}
