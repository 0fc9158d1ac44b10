// Package sqlite provides the embedded, file-backed frontier.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/database"
	"github.com/JakeFAU/harvester/internal/frontier"
)

const schema = `
CREATE TABLE IF NOT EXISTS %[1]s (
	target_id     TEXT PRIMARY KEY,
	state         TEXT NOT NULL,
	first_seen_at INTEGER NOT NULL,
	reserved_at   INTEGER
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_state_seen ON %[1]s (state, first_seen_at);
`

// Frontier stores crawl targets in SQLite. All mutating operations run under one mutex and
// inside a transaction, so concurrent callers never observe a partial update.
type Frontier struct {
	mu     sync.Mutex
	db     *sql.DB
	table  string
	clock  crawler.Clock
	logger *zap.Logger
}

// Open opens the database at path, creates the schema and resets Reserved and Failed
// targets to Pending.
func Open(ctx context.Context, path, table string, clock crawler.Clock, logger *zap.Logger) (*Frontier, error) {
	db, err := database.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	f, err := New(ctx, db, table, clock, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return f, nil
}

// New wraps an open database handle. The handle is owned by the Frontier afterwards.
func New(ctx context.Context, db *sql.DB, table string, clock crawler.Clock, logger *zap.Logger) (*Frontier, error) {
	if db == nil {
		return nil, errors.New("sqlite frontier: db is required")
	}
	if clock == nil {
		return nil, errors.New("sqlite frontier: clock is required")
	}
	name, err := database.TableName(table, "crawl_target")
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Frontier{db: db, table: name, clock: clock, logger: logger}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(schema, name)); err != nil {
		return nil, fmt.Errorf("create frontier schema: %w", err)
	}
	reset, err := f.resetAbandoned(ctx)
	if err != nil {
		return nil, err
	}
	if reset > 0 {
		logger.Info("reclaimed abandoned targets", zap.Int64("count", reset))
	}
	return f, nil
}

func (f *Frontier) resetAbandoned(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, err := f.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET state = ?, reserved_at = NULL WHERE state IN (?, ?)`, f.table),
		crawler.StatePending, crawler.StateReserved, crawler.StateFailed)
	if err != nil {
		return 0, fmt.Errorf("reset abandoned targets: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ReserveNext moves up to batchSize of the oldest Pending targets to Reserved.
func (f *Frontier) ReserveNext(ctx context.Context, batchSize int) ([]crawler.CrawlTarget, error) {
	if err := frontier.CheckBatchSize(batchSize); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin reserve: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	rows, err := tx.QueryContext(ctx,
		fmt.Sprintf(`SELECT target_id, first_seen_at FROM %s WHERE state = ?
			ORDER BY first_seen_at ASC, rowid ASC LIMIT ?`, f.table),
		crawler.StatePending, batchSize)
	if err != nil {
		return nil, fmt.Errorf("select pending: %w", err)
	}
	var targets []crawler.CrawlTarget
	for rows.Next() {
		var (
			id   string
			seen int64
		)
		if err := rows.Scan(&id, &seen); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		targets = append(targets, crawler.CrawlTarget{
			ID:          id,
			State:       crawler.StateReserved,
			FirstSeenAt: time.Unix(0, seen).UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate pending: %w", err)
	}
	rows.Close()

	now := f.clock.Now().UnixNano()
	update := fmt.Sprintf(`UPDATE %s SET state = ?, reserved_at = ? WHERE target_id = ?`, f.table)
	for _, t := range targets {
		if _, err := tx.ExecContext(ctx, update, crawler.StateReserved, now, t.ID); err != nil {
			return nil, fmt.Errorf("reserve %s: %w", t.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reserve: %w", err)
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
	f.mu.Lock()
	defer f.mu.Unlock()

	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var from crawler.TargetState
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT state FROM %s WHERE target_id = ?`, f.table), id).Scan(&from)
	if errors.Is(err, sql.ErrNoRows) {
		return frontier.NotFound(id)
	}
	if err != nil {
		return fmt.Errorf("load target %s: %w", id, err)
	}
	done, err := frontier.Resolve(id, from, to)
	if err != nil || done {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET state = ?, reserved_at = NULL WHERE target_id = ?`, f.table),
		to, id); err != nil {
		return fmt.Errorf("mark %s %s: %w", id, to, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

// Enqueue inserts new ids as Pending. Known ids keep their state and first-seen time.
func (f *Frontier) Enqueue(ctx context.Context, ids []string) (int, error) {
	ids = frontier.NormalizeIDs(ids)
	if len(ids) == 0 {
		return 0, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin enqueue: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	insert := fmt.Sprintf(`INSERT INTO %s (target_id, state, first_seen_at) VALUES (?, ?, ?)
		ON CONFLICT (target_id) DO NOTHING`, f.table)
	now := f.clock.Now().UnixNano()
	added := 0
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, insert, id, crawler.StatePending, now)
		if err != nil {
			return 0, fmt.Errorf("enqueue %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit enqueue: %w", err)
	}
	return added, nil
}

// Counts tallies targets per state.
func (f *Frontier) Counts(ctx context.Context) (crawler.StateCounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rows, err := f.db.QueryContext(ctx, fmt.Sprintf(`SELECT state, COUNT(*) FROM %s GROUP BY state`, f.table))
	if err != nil {
		return crawler.StateCounts{}, fmt.Errorf("count states: %w", err)
	}
	defer rows.Close()

	var counts crawler.StateCounts
	for rows.Next() {
		var (
			state crawler.TargetState
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return crawler.StateCounts{}, fmt.Errorf("scan counts: %w", err)
		}
		switch state {
		case crawler.StatePending:
			counts.Pending = n
		case crawler.StateReserved:
			counts.Reserved = n
		case crawler.StateCrawled:
			counts.Crawled = n
		case crawler.StateFailed:
			counts.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return crawler.StateCounts{}, fmt.Errorf("iterate counts: %w", err)
	}
	return counts, nil
}

// Get returns a single target, mostly for tests and tooling.
func (f *Frontier) Get(ctx context.Context, id string) (crawler.CrawlTarget, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var (
		state crawler.TargetState
		seen  int64
	)
	err := f.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT state, first_seen_at FROM %s WHERE target_id = ?`, f.table), id).Scan(&state, &seen)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.CrawlTarget{}, frontier.NotFound(id)
	}
	if err != nil {
		return crawler.CrawlTarget{}, fmt.Errorf("get target %s: %w", id, err)
	}
	return crawler.CrawlTarget{ID: id, State: state, FirstSeenAt: time.Unix(0, seen).UTC()}, nil
}

// ReclaimExpired returns reservations taken before reservedBefore to Pending.
func (f *Frontier) ReclaimExpired(ctx context.Context, reservedBefore time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	res, err := f.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET state = ?, reserved_at = NULL WHERE state = ? AND reserved_at < ?`, f.table),
		crawler.StatePending, crawler.StateReserved, reservedBefore.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("reclaim expired: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close closes the database.
func (f *Frontier) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.db.Close(); err != nil {
		return fmt.Errorf("close frontier: %w", err)
	}
	return nil
}
