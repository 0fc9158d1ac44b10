// Package cmd defines the harvester command-line interface.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/config"
	"github.com/JakeFAU/harvester/internal/logging"
)

// flagBindings maps command-line flags onto config keys. Commands that do not define a flag
// simply skip its binding.
var flagBindings = map[string]string{
	"host":       "server.host",
	"port":       "server.port",
	"server":     "client.server",
	"user":       "client.username",
	"password":   "client.password",
	"engine":     "client.engine",
	"batch-size": "client.batch_size",
	"log-level":  "logging.level",
}

type runtimeKey struct{}

// runtime is what PersistentPreRunE hands to every subcommand.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey{}).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("configuration not loaded")
	}
	return rt, nil
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Coordinates a fleet of fetch clients crawling a social graph.",
		Long: `harvester runs the coordination server that hands out crawl targets, stores the
captured pages and expands the frontier from extracted friend links, plus the fetch
client that renders the pages.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadWithFlags(cfgFile, cmd.Flags(), flagBindings)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), runtimeKey{}, &runtime{cfg: cfg, logger: logger})
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, err := resolveRuntime(cmd.Context()); err == nil {
				_ = rt.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")
	cmd.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")

	cmd.AddCommand(
		newServeCmd(),
		newClientCmd(),
		newStatsCmd(),
		newSeedCmd(),
		newReprocessCmd(),
	)
	return cmd
}

// Execute runs the CLI until the command finishes or SIGINT/SIGTERM arrives.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "harvester:", err)
		os.Exit(1)
	}
}
