// Package memory provides a process-local frontier for development and tests. State does not
// survive a restart.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/frontier"
)

type entry struct {
	target     crawler.CrawlTarget
	reservedAt time.Time
}

// Frontier keeps targets in a map guarded by a single mutex.
type Frontier struct {
	mu      sync.Mutex
	clock   crawler.Clock
	targets map[string]*entry
	order   []string
}

// New constructs an empty Frontier.
func New(clock crawler.Clock) (*Frontier, error) {
	if clock == nil {
		return nil, errors.New("memory frontier: clock is required")
	}
	return &Frontier{
		clock:   clock,
		targets: make(map[string]*entry),
	}, nil
}

// ReserveNext moves up to batchSize of the oldest Pending targets to Reserved.
func (f *Frontier) ReserveNext(_ context.Context, batchSize int) ([]crawler.CrawlTarget, error) {
	if err := frontier.CheckBatchSize(batchSize); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var pending []*entry
	for _, id := range f.order {
		if e := f.targets[id]; e.target.State == crawler.StatePending {
			pending = append(pending, e)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].target.FirstSeenAt.Before(pending[j].target.FirstSeenAt)
	})
	if len(pending) > batchSize {
		pending = pending[:batchSize]
	}
	now := f.clock.Now()
	out := make([]crawler.CrawlTarget, 0, len(pending))
	for _, e := range pending {
		e.target.State = crawler.StateReserved
		e.reservedAt = now
		out = append(out, e.target)
	}
	return out, nil
}

// MarkCrawled records a successful delivery.
func (f *Frontier) MarkCrawled(_ context.Context, id string) error {
	return f.transition(id, crawler.StateCrawled)
}

// MarkFailed records a failed fetch.
func (f *Frontier) MarkFailed(_ context.Context, id string) error {
	return f.transition(id, crawler.StateFailed)
}

func (f *Frontier) transition(id string, to crawler.TargetState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.targets[id]
	if !ok {
		return frontier.NotFound(id)
	}
	done, err := frontier.Resolve(id, e.target.State, to)
	if err != nil || done {
		return err
	}
	e.target.State = to
	e.reservedAt = time.Time{}
	return nil
}

// Enqueue inserts new ids as Pending.
func (f *Frontier) Enqueue(_ context.Context, ids []string) (int, error) {
	ids = frontier.NormalizeIDs(ids)
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.clock.Now()
	added := 0
	for _, id := range ids {
		if _, ok := f.targets[id]; ok {
			continue
		}
		f.targets[id] = &entry{target: crawler.CrawlTarget{ID: id, State: crawler.StatePending, FirstSeenAt: now}}
		f.order = append(f.order, id)
		added++
	}
	return added, nil
}

// Counts tallies targets per state.
func (f *Frontier) Counts(context.Context) (crawler.StateCounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var c crawler.StateCounts
	for _, e := range f.targets {
		switch e.target.State {
		case crawler.StatePending:
			c.Pending++
		case crawler.StateReserved:
			c.Reserved++
		case crawler.StateCrawled:
			c.Crawled++
		case crawler.StateFailed:
			c.Failed++
		}
	}
	return c, nil
}

// Get returns a single target.
func (f *Frontier) Get(_ context.Context, id string) (crawler.CrawlTarget, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.targets[id]
	if !ok {
		return crawler.CrawlTarget{}, frontier.NotFound(id)
	}
	return e.target, nil
}

// Reset returns Reserved and Failed targets to Pending, as a restart of a durable frontier would.
func (f *Frontier) Reset() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.targets {
		if e.target.State == crawler.StateReserved || e.target.State == crawler.StateFailed {
			e.target.State = crawler.StatePending
			e.reservedAt = time.Time{}
			n++
		}
	}
	return n
}

// ReclaimExpired returns reservations taken before reservedBefore to Pending.
func (f *Frontier) ReclaimExpired(_ context.Context, reservedBefore time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.targets {
		if e.target.State == crawler.StateReserved && e.reservedAt.Before(reservedBefore) {
			e.target.State = crawler.StatePending
			e.reservedAt = time.Time{}
			n++
		}
	}
	return n, nil
}

// Close is a no-op.
func (f *Frontier) Close() error { return nil }
