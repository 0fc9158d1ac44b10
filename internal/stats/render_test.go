package stats

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvester/internal/crawler"
)

func TestRender(t *testing.T) {
	t.Parallel()

	started := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	now := started.Add(2 * time.Hour)
	snap := crawler.ServerStatistics{
		StartedAt:        started,
		PendingWorkCount: 3,
		Frontier:         crawler.StateCounts{Pending: 10, Reserved: 2, Crawled: 120, Failed: 4},
		Clients: map[string]crawler.ClientStatistics{
			"10.0.0.2": {LastRequestAt: now.Add(-90 * time.Second), NumCompleted: 60, NumFailed: 1},
			"10.0.0.1": {LastRequestAt: now.Add(-5 * time.Second), NumCompleted: 240},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, snap, now))
	out := buf.String()

	assert.Contains(t, out, "uptime 2h0m0s")
	assert.Contains(t, out, "Processing queue: 3")
	assert.Contains(t, out, "pending=10 reserved=2 crawled=120 failed=4")
	assert.Contains(t, out, "1m30s ago")
	assert.Contains(t, out, "2.00")
	assert.Contains(t, out, "0.50")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("10.0.0.1")), bytes.Index(buf.Bytes(), []byte("10.0.0.2")))
}

func TestRenderWithoutClients(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, Render(&buf, crawler.ServerStatistics{StartedAt: now}, now))
	assert.Contains(t, buf.String(), "No clients have connected.")
}

func TestRatePerMinute(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 5.0, RatePerMinute(5, 10*time.Second), 1e-9)
	assert.InDelta(t, 1.5, RatePerMinute(15, 10*time.Minute), 1e-9)
}
