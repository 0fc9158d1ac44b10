package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableName(t *testing.T) {
	t.Parallel()

	name, err := TableName("", "crawl_target")
	require.NoError(t, err)
	assert.Equal(t, "crawl_target", name)

	name, err = TableName("targets_v2", "crawl_target")
	require.NoError(t, err)
	assert.Equal(t, "targets_v2", name)

	_, err = TableName("targets; DROP TABLE x", "crawl_target")
	require.Error(t, err)
}

func TestOpenSQLiteCreatesParentDir(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "state.db")
	db, err := OpenSQLite(path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE t (id TEXT PRIMARY KEY)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO t (id) VALUES ('a')`)
	require.NoError(t, err)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM t`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := OpenSQLite("")
	require.Error(t, err)
}

func TestNewPoolRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := NewPool(context.Background(), PoolConfig{})
	require.Error(t, err)

	_, err = NewPool(context.Background(), PoolConfig{DSN: "://not a dsn"})
	require.Error(t, err)
}
