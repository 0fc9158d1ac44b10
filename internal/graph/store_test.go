package graph

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvester/internal/crawler"
)

type fakeWriter struct {
	stmts  []statement
	err    error
	closed bool
}

func (f *fakeWriter) Write(_ context.Context, stmts ...statement) error {
	if f.err != nil {
		return f.err
	}
	f.stmts = append(f.stmts, stmts...)
	return nil
}

func (f *fakeWriter) Close(context.Context) error {
	f.closed = true
	return nil
}

func TestSaveProfileMergesFriends(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	s := &Store{w: w}
	at := time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC)
	err := s.SaveProfile(context.Background(), crawler.Profile{
		ID:         "alice",
		Name:       "Alice",
		Language:   "en",
		CapturedAt: at,
		Friends:    []crawler.ProfileRef{{ID: "bob", Name: "Bob"}, {ID: "alice"}, {ID: "bob", Name: "B"}},
	})
	require.NoError(t, err)
	require.Len(t, w.stmts, 1)

	params := w.stmts[0].params
	assert.Equal(t, "alice", params["id"])
	assert.Equal(t, at, params["captured_at"])
	assert.Equal(t, []any{map[string]any{"id": "bob", "name": "Bob"}}, params["friends"])
	assert.Contains(t, w.stmts[0].cypher, "FRIENDS_WITH")

	require.NoError(t, s.Close())
	assert.True(t, w.closed)
}

func TestSaveProfileErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("service unavailable")
	s := &Store{w: &fakeWriter{err: boom}}
	require.ErrorIs(t, s.SaveProfile(context.Background(), crawler.Profile{ID: "a"}), boom)
	require.Error(t, s.SaveProfile(context.Background(), crawler.Profile{}))
}

func TestOpenRequiresURI(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{})
	require.Error(t, err)
}
