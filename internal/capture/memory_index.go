package capture

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/harvester/internal/crawler"
)

// MemoryIndex is a process-local CaptureIndex for development and tests.
type MemoryIndex struct {
	mu      sync.Mutex
	entries map[string]crawler.IndexEntry
}

// NewMemoryIndex constructs an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{entries: make(map[string]crawler.IndexEntry)}
}

// Record upserts entry and clears its processed flag.
func (m *MemoryIndex) Record(_ context.Context, entry crawler.IndexEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.Processed = false
	m.entries[entry.TargetID] = entry
	return nil
}

// ListUnprocessed returns unprocessed entries ordered by capture time.
func (m *MemoryIndex) ListUnprocessed(context.Context) ([]crawler.IndexEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []crawler.IndexEntry
	for _, e := range m.entries {
		if !e.Processed {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CapturedAt.Equal(out[j].CapturedAt) {
			return out[i].TargetID < out[j].TargetID
		}
		return out[i].CapturedAt.Before(out[j].CapturedAt)
	})
	return out, nil
}

// MarkProcessed flags the entry when its hash still matches.
func (m *MemoryIndex) MarkProcessed(_ context.Context, targetID, contentHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[targetID]
	if !ok || e.ContentHash != contentHash {
		return nil
	}
	e.Processed = true
	m.entries[targetID] = e
	return nil
}

// Close is a no-op.
func (m *MemoryIndex) Close() error { return nil }
