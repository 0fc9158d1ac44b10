// Package postgres persists extracted profiles and friendships in Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/database"
)

const schema = `
CREATE TABLE IF NOT EXISTS %[1]s (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT '',
	language    TEXT NOT NULL DEFAULT '',
	fields      JSONB NOT NULL DEFAULT '{}',
	captured_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS %[2]s (
	profile_id  TEXT NOT NULL,
	friend_id   TEXT NOT NULL,
	friend_name TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (profile_id, friend_id)
)`

type txPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// ProfileStoreConfig names the tables used by ProfileStore.
type ProfileStoreConfig struct {
	ProfileTable string
	FriendTable  string
}

// ProfileStore upserts profiles and their friend edges in one transaction.
type ProfileStore struct {
	pool         txPool
	profileTable string
	friendTable  string
	owned        bool
}

// NewProfileStore creates the tables if needed. When owned is true, Close closes the pool.
func NewProfileStore(ctx context.Context, pool txPool, cfg ProfileStoreConfig, owned bool) (*ProfileStore, error) {
	if pool == nil {
		return nil, errors.New("profile store: pool is required")
	}
	profiles, err := database.TableName(cfg.ProfileTable, "profile")
	if err != nil {
		return nil, err
	}
	friends, err := database.TableName(cfg.FriendTable, "friendship")
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf(schema, profiles, friends)); err != nil {
		return nil, fmt.Errorf("create profile schema: %w", err)
	}
	return &ProfileStore{pool: pool, profileTable: profiles, friendTable: friends, owned: owned}, nil
}

// SaveProfile upserts the profile row unless a newer capture is stored, then adds friend edges.
// Edges are never removed.
func (s *ProfileStore) SaveProfile(ctx context.Context, p crawler.Profile) (err error) {
	if p.ID == "" {
		return errors.New("profile id is required")
	}
	fields := p.Fields
	if fields == nil {
		fields = map[string]string{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin profile tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	upsert := fmt.Sprintf(`
INSERT INTO %[1]s (id, name, language, fields, captured_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE
SET name = EXCLUDED.name, language = EXCLUDED.language, fields = EXCLUDED.fields, captured_at = EXCLUDED.captured_at
WHERE %[1]s.captured_at <= EXCLUDED.captured_at`, s.profileTable)
	if _, err = tx.Exec(ctx, upsert, p.ID, p.Name, p.Language, fieldsJSON, p.CapturedAt); err != nil {
		return fmt.Errorf("upsert profile %s: %w", p.ID, err)
	}

	ids, names := friendColumns(p)
	if len(ids) > 0 {
		edges := fmt.Sprintf(`
INSERT INTO %s (profile_id, friend_id, friend_name)
SELECT $1, f.id, f.name FROM unnest($2::text[], $3::text[]) AS f(id, name)
ON CONFLICT (profile_id, friend_id) DO NOTHING`, s.friendTable)
		if _, err = tx.Exec(ctx, edges, p.ID, ids, names); err != nil {
			return fmt.Errorf("insert friendships for %s: %w", p.ID, err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit profile %s: %w", p.ID, err)
	}
	return nil
}

// Close releases the pool when the store owns it.
func (s *ProfileStore) Close() {
	if s.owned {
		s.pool.Close()
	}
}

// friendColumns returns parallel id and name slices, first occurrence wins.
func friendColumns(p crawler.Profile) ([]string, []string) {
	names := make(map[string]string, len(p.Friends))
	for _, f := range p.Friends {
		if _, ok := names[f.ID]; !ok {
			names[f.ID] = f.Name
		}
	}
	ids := p.FriendIDs()
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = names[id]
	}
	return ids, out
}
