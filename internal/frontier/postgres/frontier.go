// Package postgres provides a Postgres-backed frontier for multi-node deployments.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/database"
	"github.com/JakeFAU/harvester/internal/frontier"
)

const schema = `
CREATE TABLE IF NOT EXISTS %[1]s (
	seq           BIGSERIAL,
	target_id     TEXT PRIMARY KEY,
	state         TEXT NOT NULL,
	first_seen_at TIMESTAMPTZ NOT NULL,
	reserved_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_state_seen ON %[1]s (state, first_seen_at, seq)`

// Pool is the subset of pgxpool.Pool used by the frontier.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// Frontier stores crawl targets in Postgres. Reservation relies on row locks
// (FOR UPDATE SKIP LOCKED), so several coordinators may share one table.
type Frontier struct {
	pool   Pool
	table  string
	clock  crawler.Clock
	logger *zap.Logger
	owned  bool
}

// New prepares the schema and resets abandoned reservations. When owned is true, Close also
// closes the pool.
func New(
	ctx context.Context,
	pool Pool,
	table string,
	clock crawler.Clock,
	logger *zap.Logger,
	owned bool,
) (*Frontier, error) {
	if pool == nil {
		return nil, errors.New("postgres frontier: pool is required")
	}
	if clock == nil {
		return nil, errors.New("postgres frontier: clock is required")
	}
	name, err := database.TableName(table, "crawl_target")
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Frontier{pool: pool, table: name, clock: clock, logger: logger, owned: owned}
	if _, err := pool.Exec(ctx, fmt.Sprintf(schema, name)); err != nil {
		return nil, fmt.Errorf("create frontier schema: %w", err)
	}
	tag, err := pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET state = $1, reserved_at = NULL WHERE state IN ($2, $3)`, name),
		string(crawler.StatePending), string(crawler.StateReserved), string(crawler.StateFailed))
	if err != nil {
		return nil, fmt.Errorf("reset abandoned targets: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		logger.Info("reclaimed abandoned targets", zap.Int64("count", n))
	}
	return f, nil
}

// ReserveNext moves up to batchSize of the oldest Pending targets to Reserved.
func (f *Frontier) ReserveNext(ctx context.Context, batchSize int) ([]crawler.CrawlTarget, error) {
	if err := frontier.CheckBatchSize(batchSize); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
UPDATE %[1]s SET state = $1, reserved_at = $2
WHERE target_id IN (
	SELECT target_id FROM %[1]s
	WHERE state = $3
	ORDER BY first_seen_at, seq
	LIMIT $4
	FOR UPDATE SKIP LOCKED
)
RETURNING target_id, first_seen_at, seq`, f.table)

	rows, err := f.pool.Query(ctx, query,
		string(crawler.StateReserved), f.clock.Now(), string(crawler.StatePending), batchSize)
	if err != nil {
		return nil, fmt.Errorf("reserve pending: %w", err)
	}
	defer rows.Close()

	type reserved struct {
		target crawler.CrawlTarget
		seq    int64
	}
	var got []reserved
	for rows.Next() {
		var (
			id   string
			seen time.Time
			seq  int64
		)
		if err := rows.Scan(&id, &seen, &seq); err != nil {
			return nil, fmt.Errorf("scan reserved: %w", err)
		}
		got = append(got, reserved{
			target: crawler.CrawlTarget{ID: id, State: crawler.StateReserved, FirstSeenAt: seen.UTC()},
			seq:    seq,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reserved: %w", err)
	}
	sort.Slice(got, func(i, j int) bool {
		if !got[i].target.FirstSeenAt.Equal(got[j].target.FirstSeenAt) {
			return got[i].target.FirstSeenAt.Before(got[j].target.FirstSeenAt)
		}
		return got[i].seq < got[j].seq
	})
	targets := make([]crawler.CrawlTarget, 0, len(got))
	for _, r := range got {
		targets = append(targets, r.target)
	}
	return targets, nil
}

// MarkCrawled records a successful delivery.
func (f *Frontier) MarkCrawled(ctx context.Context, id string) error {
	return f.transition(ctx, id, crawler.StateCrawled)
}

// MarkFailed records a failed fetch.
func (f *Frontier) MarkFailed(ctx context.Context, id string) error {
	return f.transition(ctx, id, crawler.StateFailed)
}

func (f *Frontier) transition(ctx context.Context, id string, to crawler.TargetState) error {
	tx, err := f.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	var from string
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT state FROM %s WHERE target_id = $1 FOR UPDATE`, f.table), id).Scan(&from)
	if errors.Is(err, pgx.ErrNoRows) {
		return frontier.NotFound(id)
	}
	if err != nil {
		return fmt.Errorf("load target %s: %w", id, err)
	}
	done, err := frontier.Resolve(id, crawler.TargetState(from), to)
	if err != nil || done {
		return err
	}
	if _, err := tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET state = $1, reserved_at = NULL WHERE target_id = $2`, f.table),
		string(to), id); err != nil {
		return fmt.Errorf("mark %s %s: %w", id, to, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

// Enqueue inserts new ids as Pending in one statement. Known ids are left untouched.
func (f *Frontier) Enqueue(ctx context.Context, ids []string) (int, error) {
	ids = frontier.NormalizeIDs(ids)
	if len(ids) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(`
INSERT INTO %s (target_id, state, first_seen_at)
SELECT id, $2, $3 FROM unnest($1::text[]) WITH ORDINALITY AS t(id, ord) ORDER BY ord
ON CONFLICT (target_id) DO NOTHING`, f.table)
	tag, err := f.pool.Exec(ctx, query, ids, string(crawler.StatePending), f.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("enqueue targets: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Counts tallies targets per state.
func (f *Frontier) Counts(ctx context.Context) (crawler.StateCounts, error) {
	rows, err := f.pool.Query(ctx, fmt.Sprintf(`SELECT state, COUNT(*) FROM %s GROUP BY state`, f.table))
	if err != nil {
		return crawler.StateCounts{}, fmt.Errorf("count states: %w", err)
	}
	defer rows.Close()

	var counts crawler.StateCounts
	for rows.Next() {
		var (
			state string
			n     int64
		)
		if err := rows.Scan(&state, &n); err != nil {
			return crawler.StateCounts{}, fmt.Errorf("scan counts: %w", err)
		}
		switch crawler.TargetState(state) {
		case crawler.StatePending:
			counts.Pending = int(n)
		case crawler.StateReserved:
			counts.Reserved = int(n)
		case crawler.StateCrawled:
			counts.Crawled = int(n)
		case crawler.StateFailed:
			counts.Failed = int(n)
		}
	}
	if err := rows.Err(); err != nil {
		return crawler.StateCounts{}, fmt.Errorf("iterate counts: %w", err)
	}
	return counts, nil
}

// ReclaimExpired returns reservations taken before reservedBefore to Pending.
func (f *Frontier) ReclaimExpired(ctx context.Context, reservedBefore time.Time) (int, error) {
	tag, err := f.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET state = $1, reserved_at = NULL WHERE state = $2 AND reserved_at < $3`, f.table),
		string(crawler.StatePending), string(crawler.StateReserved), reservedBefore)
	if err != nil {
		return 0, fmt.Errorf("reclaim expired: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Close releases the pool when the frontier owns it.
func (f *Frontier) Close() error {
	if f.owned {
		f.pool.Close()
	}
	return nil
}
