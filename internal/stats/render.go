package stats

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/JakeFAU/harvester/internal/crawler"
)

// Render writes a human-readable report of snap as seen at now. Completion rates are averaged
// over the server's uptime.
func Render(w io.Writer, snap crawler.ServerStatistics, now time.Time) error {
	uptime := now.Sub(snap.StartedAt).Truncate(time.Second)
	if uptime < 0 {
		uptime = 0
	}
	f := snap.Frontier
	if _, err := fmt.Fprintf(w,
		"Server up since %s (uptime %s)\nProcessing queue: %d\nFrontier: pending=%d reserved=%d crawled=%d failed=%d\n\n",
		snap.StartedAt.UTC().Format(time.RFC3339), uptime, snap.PendingWorkCount,
		f.Pending, f.Reserved, f.Crawled, f.Failed); err != nil {
		return fmt.Errorf("render statistics: %w", err)
	}
	if len(snap.Clients) == 0 {
		_, err := fmt.Fprintln(w, "No clients have connected.")
		return err
	}

	origins := make([]string, 0, len(snap.Clients))
	for origin := range snap.Clients {
		origins = append(origins, origin)
	}
	sort.Strings(origins)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CLIENT\tLAST SEEN\tCOMPLETED\tRATE/MIN\tFAILED")
	for _, origin := range origins {
		cs := snap.Clients[origin]
		fmt.Fprintf(tw, "%s\t%s ago\t%d\t%.2f\t%d\n",
			origin,
			now.Sub(cs.LastRequestAt).Truncate(time.Second),
			cs.NumCompleted,
			RatePerMinute(cs.NumCompleted, uptime),
			cs.NumFailed)
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("render statistics: %w", err)
	}
	return nil
}

// RatePerMinute averages n over elapsed. Less than a minute of uptime counts as one minute.
func RatePerMinute(n int, elapsed time.Duration) float64 {
	minutes := elapsed.Minutes()
	if minutes < 1 {
		minutes = 1
	}
	return float64(n) / minutes
}
