package cmd

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/protocol"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "harvester.yaml")
	body := fmt.Sprintf(`
frontier:
  provider: sqlite
  sqlite_path: %s
capture:
  sqlite_path: %s
storage:
  base_dir: %s
logging:
  development: false
  level: error
`, filepath.Join(dir, "frontier.db"), filepath.Join(dir, "captures.db"), filepath.Join(dir, "blobs"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSeedCommand(t *testing.T) {
	t.Parallel()

	cfg := writeConfig(t)
	out, err := execute(t, "seed", "--config", cfg, "alice", "bob")
	require.NoError(t, err)
	assert.Contains(t, out, "2 of 2 ids added")

	ids := filepath.Join(t.TempDir(), "ids.txt")
	require.NoError(t, os.WriteFile(ids, []byte("alice\n\n# comment\ncarol\n"), 0o600))
	out, err = execute(t, "seed", "--config", cfg, "--file", ids)
	require.NoError(t, err)
	assert.Contains(t, out, "1 of 2 ids added")

	_, err = execute(t, "seed", "--config", cfg)
	assert.Error(t, err)
}

func TestReprocessCommandWithNothingPending(t *testing.T) {
	t.Parallel()

	out, err := execute(t, "reprocess", "--config", writeConfig(t))
	require.NoError(t, err)
	assert.Contains(t, out, "0 captures reprocessed")
}

func TestStatsCommand(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	started := time.Now().Add(-time.Hour)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var req protocol.Request
		if err := protocol.ReadFrame(conn, &req, protocol.FrameOptions{}); err != nil {
			return
		}
		snap := crawler.ServerStatistics{
			StartedAt:        started,
			PendingWorkCount: 4,
			Clients: map[string]crawler.ClientStatistics{
				"10.1.2.3": {LastRequestAt: time.Now(), NumCompleted: 120, NumFailed: 2},
			},
		}
		_ = protocol.WriteFrame(conn, protocol.Response{Status: protocol.StatusOK, Statistics: &snap}, protocol.FrameOptions{})
	}()

	out, err := execute(t, "stats", "--config", writeConfig(t), "--server", ln.Addr().String())
	require.NoError(t, err)
	assert.Contains(t, out, "Processing queue: 4")
	assert.Contains(t, out, "10.1.2.3")
	assert.Contains(t, out, "2.00")
}

func TestInvalidEngineIsRejected(t *testing.T) {
	t.Parallel()

	_, err := execute(t, "client", "--config", writeConfig(t), "--engine", "lynx")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client.engine")
}

func TestInvalidBatchSizeIsRejected(t *testing.T) {
	t.Parallel()

	_, err := execute(t, "client", "--config", writeConfig(t), "--batch-size", "0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client.batch_size")
}
