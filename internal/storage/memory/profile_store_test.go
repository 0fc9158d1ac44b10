package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvester/internal/crawler"
)

func TestProfileStoreKeepsNewestCapture(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewProfileStore()
	older := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)

	require.NoError(t, s.SaveProfile(ctx, crawler.Profile{ID: "a", Name: "new", CapturedAt: newer}))
	require.NoError(t, s.SaveProfile(ctx, crawler.Profile{ID: "a", Name: "old", CapturedAt: older}))

	got, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, "new", got.Name)
	assert.Equal(t, 1, s.Len())

	_, ok = s.Get("missing")
	assert.False(t, ok)
}
