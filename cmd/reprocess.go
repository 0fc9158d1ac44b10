package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/app"
)

func newReprocessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reprocess [target-id...]",
		Short: "Ingest unprocessed captures without serving",
		Long: `Runs extraction, persistence and frontier expansion over every capture not yet
marked processed, or only those of the given targets, then exits.`,
		RunE: runReprocess,
	}
}

func runReprocess(cmd *cobra.Command, args []string) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	a, err := app.New(cmd.Context(), rt.cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("initialize services: %w", err)
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			rt.logger.Warn("shutdown incomplete", zap.Error(cerr))
		}
	}()

	n, err := a.Reprocess(cmd.Context(), args)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d captures reprocessed\n", n)
	return nil
}
