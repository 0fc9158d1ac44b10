// Package stats keeps per-client activity counters for the coordination server. State is
// in-memory and resets with the process.
package stats

import (
	"net"
	"sync"
	"time"

	"github.com/JakeFAU/harvester/internal/crawler"
)

// Registry tracks per-origin ClientStatistics. Safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	clock   crawler.Clock
	started time.Time
	clients map[string]*crawler.ClientStatistics
}

// New creates a Registry whose uptime starts now.
func New(clock crawler.Clock) *Registry {
	return &Registry{
		clock:   clock,
		started: clock.Now(),
		clients: make(map[string]*crawler.ClientStatistics),
	}
}

// Origin reduces a remote address to its host so that reconnects from different source ports
// count as one client.
func Origin(remote net.Addr) string {
	if remote == nil {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(remote.String())
	if err != nil {
		return remote.String()
	}
	return host
}

func (r *Registry) touch(origin string) *crawler.ClientStatistics {
	cs, ok := r.clients[origin]
	if !ok {
		cs = &crawler.ClientStatistics{}
		r.clients[origin] = cs
	}
	cs.LastRequestAt = r.clock.Now()
	return cs
}

// Touch records a request from origin.
func (r *Registry) Touch(origin string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touch(origin)
}

// RecordCompleted records a successful delivery from origin.
func (r *Registry) RecordCompleted(origin string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touch(origin).NumCompleted++
}

// RecordFailed records a failure report from origin.
func (r *Registry) RecordFailed(origin string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touch(origin).NumFailed++
}

// Snapshot copies the current statistics.
func (r *Registry) Snapshot(pending int, counts crawler.StateCounts) crawler.ServerStatistics {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := crawler.ServerStatistics{
		StartedAt:        r.started,
		PendingWorkCount: pending,
		Frontier:         counts,
		Clients:          make(map[string]crawler.ClientStatistics, len(r.clients)),
	}
	for origin, cs := range r.clients {
		out.Clients[origin] = *cs
	}
	return out
}
