// Package sqlindex keeps the capture index in SQLite.
package sqlindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/database"
)

const schema = `
CREATE TABLE IF NOT EXISTS %[1]s (
	target_id    TEXT PRIMARY KEY,
	bucket       TEXT NOT NULL,
	blob_uri     TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	captured_at  INTEGER NOT NULL,
	processed    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_unprocessed ON %[1]s (processed, captured_at);
`

// Index implements crawler.CaptureIndex.
type Index struct {
	mu    sync.Mutex
	db    *sql.DB
	table string
}

// Open opens or creates the index database at path.
func Open(ctx context.Context, path, table string) (*Index, error) {
	db, err := database.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	idx, err := New(ctx, db, table)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

// New wraps an open handle and ensures the schema exists.
func New(ctx context.Context, db *sql.DB, table string) (*Index, error) {
	if db == nil {
		return nil, errors.New("capture index: db is required")
	}
	name, err := database.TableName(table, "capture_index")
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(schema, name)); err != nil {
		return nil, fmt.Errorf("create capture index schema: %w", err)
	}
	return &Index{db: db, table: name}, nil
}

// Record upserts entry and clears its processed flag.
func (i *Index) Record(ctx context.Context, e crawler.IndexEntry) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, err := i.db.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (target_id, bucket, blob_uri, content_hash, captured_at, processed)
VALUES (?, ?, ?, ?, ?, 0)
ON CONFLICT (target_id) DO UPDATE SET
	bucket = excluded.bucket,
	blob_uri = excluded.blob_uri,
	content_hash = excluded.content_hash,
	captured_at = excluded.captured_at,
	processed = 0`, i.table),
		e.TargetID, e.Bucket, e.BlobURI, e.ContentHash, e.CapturedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("record capture %s: %w", e.TargetID, err)
	}
	return nil
}

// ListUnprocessed returns unprocessed entries ordered by capture time.
func (i *Index) ListUnprocessed(ctx context.Context) ([]crawler.IndexEntry, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	rows, err := i.db.QueryContext(ctx, fmt.Sprintf(`
SELECT target_id, bucket, blob_uri, content_hash, captured_at
FROM %s WHERE processed = 0 ORDER BY captured_at, target_id`, i.table))
	if err != nil {
		return nil, fmt.Errorf("list unprocessed: %w", err)
	}
	defer rows.Close()

	var out []crawler.IndexEntry
	for rows.Next() {
		var (
			e  crawler.IndexEntry
			at int64
		)
		if err := rows.Scan(&e.TargetID, &e.Bucket, &e.BlobURI, &e.ContentHash, &at); err != nil {
			return nil, fmt.Errorf("scan capture: %w", err)
		}
		e.CapturedAt = time.Unix(0, at).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate captures: %w", err)
	}
	return out, nil
}

// MarkProcessed flags the capture if its content hash still matches.
func (i *Index) MarkProcessed(ctx context.Context, targetID, contentHash string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, err := i.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET processed = 1 WHERE target_id = ? AND content_hash = ?`, i.table),
		targetID, contentHash)
	if err != nil {
		return fmt.Errorf("mark processed %s: %w", targetID, err)
	}
	return nil
}

// Close closes the database.
func (i *Index) Close() error {
	if err := i.db.Close(); err != nil {
		return fmt.Errorf("close capture index: %w", err)
	}
	return nil
}
