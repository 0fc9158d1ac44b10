// Package pgindex keeps the capture index in Postgres.
package pgindex

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/database"
)

const schema = `
CREATE TABLE IF NOT EXISTS %[1]s (
	target_id    TEXT PRIMARY KEY,
	bucket       TEXT NOT NULL,
	blob_uri     TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	captured_at  TIMESTAMPTZ NOT NULL,
	processed    BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_unprocessed ON %[1]s (captured_at) WHERE NOT processed`

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// Index implements crawler.CaptureIndex over Postgres.
type Index struct {
	pool  pool
	table string
	owned bool
}

// New ensures the schema exists. When owned is true Close also closes the pool.
func New(ctx context.Context, p pool, table string, owned bool) (*Index, error) {
	if p == nil {
		return nil, errors.New("capture index: pool is required")
	}
	name, err := database.TableName(table, "capture_index")
	if err != nil {
		return nil, err
	}
	if _, err := p.Exec(ctx, fmt.Sprintf(schema, name)); err != nil {
		return nil, fmt.Errorf("create capture index schema: %w", err)
	}
	return &Index{pool: p, table: name, owned: owned}, nil
}

// Record upserts entry and clears its processed flag.
func (i *Index) Record(ctx context.Context, e crawler.IndexEntry) error {
	_, err := i.pool.Exec(ctx, fmt.Sprintf(`
INSERT INTO %s (target_id, bucket, blob_uri, content_hash, captured_at, processed)
VALUES ($1, $2, $3, $4, $5, FALSE)
ON CONFLICT (target_id) DO UPDATE SET
	bucket = EXCLUDED.bucket,
	blob_uri = EXCLUDED.blob_uri,
	content_hash = EXCLUDED.content_hash,
	captured_at = EXCLUDED.captured_at,
	processed = FALSE`, i.table),
		e.TargetID, e.Bucket, e.BlobURI, e.ContentHash, e.CapturedAt)
	if err != nil {
		return fmt.Errorf("record capture %s: %w", e.TargetID, err)
	}
	return nil
}

// ListUnprocessed returns unprocessed entries ordered by capture time.
func (i *Index) ListUnprocessed(ctx context.Context) ([]crawler.IndexEntry, error) {
	rows, err := i.pool.Query(ctx, fmt.Sprintf(`
SELECT target_id, bucket, blob_uri, content_hash, captured_at
FROM %s WHERE NOT processed ORDER BY captured_at, target_id`, i.table))
	if err != nil {
		return nil, fmt.Errorf("list unprocessed: %w", err)
	}
	defer rows.Close()

	var out []crawler.IndexEntry
	for rows.Next() {
		var (
			e  crawler.IndexEntry
			at time.Time
		)
		if err := rows.Scan(&e.TargetID, &e.Bucket, &e.BlobURI, &e.ContentHash, &at); err != nil {
			return nil, fmt.Errorf("scan capture: %w", err)
		}
		e.CapturedAt = at.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate captures: %w", err)
	}
	return out, nil
}

// MarkProcessed flags the capture if its content hash still matches.
func (i *Index) MarkProcessed(ctx context.Context, targetID, contentHash string) error {
	_, err := i.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET processed = TRUE WHERE target_id = $1 AND content_hash = $2`, i.table),
		targetID, contentHash)
	if err != nil {
		return fmt.Errorf("mark processed %s: %w", targetID, err)
	}
	return nil
}

// Close releases the pool when the index owns it.
func (i *Index) Close() error {
	if i.owned {
		i.pool.Close()
	}
	return nil
}
