package stats

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvester/internal/clock/manual"
	"github.com/JakeFAU/harvester/internal/crawler"
)

func TestRegistryCounters(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := manual.New(start)
	r := New(clk)

	clk.Advance(time.Minute)
	r.Touch("10.0.0.1")
	r.RecordCompleted("10.0.0.1")
	clk.Advance(time.Minute)
	r.RecordFailed("10.0.0.1")
	r.RecordCompleted("10.0.0.2")

	snap := r.Snapshot(3, crawler.StateCounts{Pending: 1})
	assert.Equal(t, start, snap.StartedAt)
	assert.Equal(t, 3, snap.PendingWorkCount)
	assert.Equal(t, 1, snap.Frontier.Pending)
	require.Len(t, snap.Clients, 2)

	a := snap.Clients["10.0.0.1"]
	assert.Equal(t, 1, a.NumCompleted)
	assert.Equal(t, 1, a.NumFailed)
	assert.Equal(t, start.Add(2*time.Minute), a.LastRequestAt)

	// Snapshots are copies.
	r.RecordCompleted("10.0.0.1")
	assert.Equal(t, 1, snap.Clients["10.0.0.1"].NumCompleted)
}

func TestRegistryConcurrentUpdates(t *testing.T) {
	t.Parallel()

	r := New(manual.New(time.Now()))
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.RecordCompleted("c")
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, r.Snapshot(0, crawler.StateCounts{}).Clients["c"].NumCompleted)
}

func TestOrigin(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "192.0.2.7", Origin(&net.TCPAddr{IP: net.ParseIP("192.0.2.7"), Port: 4711}))
	assert.Equal(t, "unknown", Origin(nil))
}
