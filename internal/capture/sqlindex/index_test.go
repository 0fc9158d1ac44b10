package sqlindex

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvester/internal/crawler"
)

func TestIndexLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "captures.db")

	idx, err := Open(ctx, path, "")
	require.NoError(t, err)

	t0 := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, idx.Record(ctx, crawler.IndexEntry{
		TargetID: "b", Bucket: "01", BlobURI: "memory://b", ContentHash: "h-b", CapturedAt: t0.Add(time.Second),
	}))
	require.NoError(t, idx.Record(ctx, crawler.IndexEntry{
		TargetID: "a", Bucket: "02", BlobURI: "memory://a", ContentHash: "h-a1", CapturedAt: t0,
	}))

	got, err := idx.ListUnprocessed(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].TargetID)
	assert.True(t, t0.Equal(got[0].CapturedAt))
	assert.Equal(t, "b", got[1].TargetID)

	require.NoError(t, idx.MarkProcessed(ctx, "a", "h-a1"))
	require.NoError(t, idx.MarkProcessed(ctx, "a", "h-a1"), "idempotent")
	got, err = idx.ListUnprocessed(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].TargetID)

	// A recapture resets the processed flag and a stale handle cannot clear it.
	require.NoError(t, idx.Record(ctx, crawler.IndexEntry{
		TargetID: "a", Bucket: "02", BlobURI: "memory://a", ContentHash: "h-a2", CapturedAt: t0.Add(time.Hour),
	}))
	require.NoError(t, idx.MarkProcessed(ctx, "a", "h-a1"))
	require.NoError(t, idx.Close())

	idx, err = Open(ctx, path, "")
	require.NoError(t, err)
	defer idx.Close()
	got, err = idx.ListUnprocessed(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].TargetID)
	assert.Equal(t, "a", got[1].TargetID)
	assert.Equal(t, "h-a2", got[1].ContentHash)
}

func TestNewRejectsBadTable(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), filepath.Join(t.TempDir(), "c.db"), "bad table")
	require.Error(t, err)
}
