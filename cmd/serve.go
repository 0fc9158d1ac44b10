package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/app"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [seed-id...]",
		Short: "Run the coordination server",
		Long: `Starts the coordination listener and the ingestion worker. Any ids given are added
to the frontier first. Captures left unprocessed by a previous run are ingested on start.`,
		RunE: runServe,
	}
	cmd.Flags().String("host", "", "listen host (overrides server.host)")
	cmd.Flags().Int("port", 0, "listen port (overrides server.port)")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	a, err := app.New(ctx, rt.cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("initialize services: %w", err)
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			rt.logger.Warn("shutdown incomplete", zap.Error(cerr))
		}
	}()

	if len(args) > 0 {
		if _, err := a.Seed(ctx, args); err != nil {
			return err
		}
	}
	if err := a.Serve(ctx); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	rt.logger.Info("server stopped")
	return nil
}
