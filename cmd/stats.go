package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/harvester/internal/protocol"
	"github.com/JakeFAU/harvester/internal/stats"
)

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print coordination server statistics",
		Args:  cobra.NoArgs,
		RunE:  runStats,
	}
	cmd.Flags().String("server", "", "coordination server host:port (overrides client.server)")
	return cmd
}

func runStats(cmd *cobra.Command, _ []string) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	c, err := newProtocolClient(rt.cfg)
	if err != nil {
		return err
	}
	resp, err := c.Do(cmd.Context(), protocol.Request{Type: protocol.RequestStatistics})
	if err != nil {
		return fmt.Errorf("request statistics: %w", err)
	}
	if resp.Status != protocol.StatusOK || resp.Statistics == nil {
		return fmt.Errorf("statistics unavailable: %s %s", resp.Status, resp.Message)
	}
	return stats.Render(cmd.OutOrStdout(), *resp.Statistics, time.Now())
}
