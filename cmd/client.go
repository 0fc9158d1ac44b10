package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/harvester/internal/app"
	"github.com/JakeFAU/harvester/internal/client"
	"github.com/JakeFAU/harvester/internal/config"
	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/fetcher"
	collyfetcher "github.com/JakeFAU/harvester/internal/fetcher/colly"
	"github.com/JakeFAU/harvester/internal/fetcher/headless"
	"github.com/JakeFAU/harvester/internal/id/uuid"
	"github.com/JakeFAU/harvester/internal/protocol"
)

func newClientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run a fetch client against a coordination server",
		Long: `Logs in to the target site, then repeatedly asks the server for work, renders each
target and delivers the captured pages. Exits when the server reports that no work is left.`,
		Args: cobra.NoArgs,
		RunE: runClient,
	}
	cmd.Flags().String("server", "", "coordination server host:port (overrides client.server)")
	cmd.Flags().String("user", "", "target site username (overrides client.username)")
	cmd.Flags().String("password", "", "target site password (overrides client.password)")
	cmd.Flags().String("engine", "", "fetch engine: headless or colly (overrides client.engine)")
	cmd.Flags().Int("batch-size", 0, "targets requested per REQUEST_WORK (overrides client.batch_size)")
	return cmd
}

func runClient(cmd *cobra.Command, _ []string) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	cfg := rt.cfg

	transport, err := newProtocolClient(cfg)
	if err != nil {
		return err
	}
	loop, err := client.New(transport, engineFactory(cfg), client.Config{
		Username:               cfg.Client.Username,
		Password:               cfg.Client.Password,
		Backoff:                cfg.ClientBackoff(),
		MaxConsecutiveFailures: cfg.Client.MaxConsecutiveFailures,
		BatchSize:              cfg.Client.BatchSize,
		FetchesPerMinute:       cfg.Client.FetchesPerMinute,
	}, rt.logger.Named("client"))
	if err != nil {
		return err
	}
	return loop.Run(cmd.Context())
}

func newProtocolClient(cfg config.Config) (*protocol.Client, error) {
	c, err := protocol.NewClient(protocol.ClientConfig{
		Addr:        cfg.Client.Server,
		DialTimeout: cfg.ClientDialTimeout(),
		Frame:       app.FrameOptions(cfg),
		IDs:         uuid.New(),
	})
	if err != nil {
		return nil, fmt.Errorf("build protocol client: %w", err)
	}
	return c, nil
}

func engineFactory(cfg config.Config) client.EngineFactory {
	fc := fetcher.Config{
		BaseURL:          cfg.Fetch.BaseURL,
		LoginURL:         cfg.Fetch.LoginURL,
		Variants:         cfg.Fetch.Variants,
		UserAgent:        cfg.Fetch.UserAgent,
		UsernameField:    cfg.Fetch.UsernameField,
		PasswordField:    cfg.Fetch.PasswordField,
		SubmitSelector:   cfg.Fetch.SubmitSelector,
		LoggedInSelector: cfg.Fetch.LoggedInSelector,
		NavTimeout:       cfg.FetchNavTimeout(),
		ScrollRounds:     cfg.Fetch.ScrollRounds,
		Headless:         cfg.Fetch.Headless,
	}
	return func() (crawler.FetchEngine, error) {
		if cfg.Client.Engine == "colly" {
			return collyfetcher.New(fc)
		}
		return headless.New(fc)
	}
}
