package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/harvester/internal/app"
)

func newSeedCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed [id...]",
		Short: "Add target ids to the frontier without serving",
		Long: `Adds ids to the configured frontier. Ids already known keep their state and
first-seen time. With --file, ids are read one per line; blank lines and lines starting
with # are skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd, args, file)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "read ids from this file")
	return cmd
}

func runSeed(cmd *cobra.Command, args []string, file string) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	ids := append([]string(nil), args...)
	if file != "" {
		fromFile, err := readIDs(file)
		if err != nil {
			return err
		}
		ids = append(ids, fromFile...)
	}
	if len(ids) == 0 {
		return errors.New("no ids given")
	}

	ctx := cmd.Context()
	f, err := app.OpenFrontier(ctx, rt.cfg, rt.logger)
	if err != nil {
		return err
	}
	defer f.Close()

	added, err := f.Enqueue(ctx, ids)
	if err != nil {
		return fmt.Errorf("seed frontier: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d of %d ids added\n", added, len(ids))
	return nil
}

func readIDs(path string) ([]string, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open seed file: %w", err)
	}
	defer fh.Close()

	var ids []string
	sc := bufio.NewScanner(fh)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return ids, nil
}
