// Package storage combines entity stores. Concrete backends live in the subpackages.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/harvester/internal/crawler"
)

// Fanout saves each profile to every wrapped store, in order. It stops at the first failure so
// the capture stays unprocessed and is retried as a whole.
type Fanout struct {
	stores []crawler.EntityStore
	names  []string
}

// NewFanout returns an empty Fanout.
func NewFanout() *Fanout {
	return &Fanout{}
}

// Add appends a named store.
func (f *Fanout) Add(name string, store crawler.EntityStore) {
	f.stores = append(f.stores, store)
	f.names = append(f.names, name)
}

// Len returns the number of stores.
func (f *Fanout) Len() int {
	return len(f.stores)
}

// SaveProfile implements crawler.EntityStore.
func (f *Fanout) SaveProfile(ctx context.Context, profile crawler.Profile) error {
	for i, s := range f.stores {
		if err := s.SaveProfile(ctx, profile); err != nil {
			return fmt.Errorf("%s store: %w", f.names[i], err)
		}
	}
	return nil
}

// Close closes every store that has a Close method and joins the errors.
func (f *Fanout) Close() error {
	var errs []error
	for i, s := range f.stores {
		switch c := s.(type) {
		case interface{ Close() error }:
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s store: %w", f.names[i], err))
			}
		case interface{ Close() }:
			c.Close()
		}
	}
	return errors.Join(errs...)
}
