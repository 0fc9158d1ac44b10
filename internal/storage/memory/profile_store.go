package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/harvester/internal/crawler"
)

// ProfileStore keeps the latest profile per id in memory.
type ProfileStore struct {
	mu       sync.RWMutex
	profiles map[string]crawler.Profile
}

// NewProfileStore returns an empty ProfileStore.
func NewProfileStore() *ProfileStore {
	return &ProfileStore{profiles: make(map[string]crawler.Profile)}
}

// SaveProfile stores the profile unless a newer capture of the same id is already present.
func (s *ProfileStore) SaveProfile(_ context.Context, p crawler.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.profiles[p.ID]; ok && cur.CapturedAt.After(p.CapturedAt) {
		return nil
	}
	s.profiles[p.ID] = p
	return nil
}

// Get returns the stored profile for id.
func (s *ProfileStore) Get(id string) (crawler.Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	return p, ok
}

// Len returns the number of stored profiles.
func (s *ProfileStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.profiles)
}
