// Package graph mirrors profiles and friendships into Neo4j.
package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/JakeFAU/harvester/internal/crawler"
)

const saveProfileCypher = `
MERGE (p:Profile {id: $id})
SET p.name = $name, p.language = $language, p.captured_at = $captured_at
WITH p
UNWIND $friends AS f
MERGE (q:Profile {id: f.id})
ON CREATE SET q.name = f.name
MERGE (p)-[:FRIENDS_WITH]->(q)`

type statement struct {
	cypher string
	params map[string]any
}

type writer interface {
	Write(ctx context.Context, stmts ...statement) error
	Close(ctx context.Context) error
}

// Config holds Neo4j connection settings.
type Config struct {
	URI      string
	Username string
	Password string
	Database string
}

// Store implements crawler.EntityStore over Neo4j.
type Store struct {
	w writer
}

// Open connects to Neo4j and verifies connectivity.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URI == "" {
		return nil, errors.New("graph store: uri is required")
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("verify neo4j connectivity: %w", err)
	}
	return &Store{w: &driverWriter{driver: driver, database: cfg.Database}}, nil
}

// SaveProfile merges the profile node and a FRIENDS_WITH edge to each friend.
func (s *Store) SaveProfile(ctx context.Context, p crawler.Profile) error {
	if p.ID == "" {
		return errors.New("profile id is required")
	}
	if err := s.w.Write(ctx, profileStatement(p)); err != nil {
		return fmt.Errorf("save profile %s to graph: %w", p.ID, err)
	}
	return nil
}

// Close closes the driver.
func (s *Store) Close() error {
	if err := s.w.Close(context.Background()); err != nil {
		return fmt.Errorf("close neo4j driver: %w", err)
	}
	return nil
}

func profileStatement(p crawler.Profile) statement {
	names := make(map[string]string, len(p.Friends))
	for _, f := range p.Friends {
		if _, ok := names[f.ID]; !ok {
			names[f.ID] = f.Name
		}
	}
	ids := p.FriendIDs()
	friends := make([]any, 0, len(ids))
	for _, id := range ids {
		friends = append(friends, map[string]any{"id": id, "name": names[id]})
	}
	return statement{
		cypher: saveProfileCypher,
		params: map[string]any{
			"id":          p.ID,
			"name":        p.Name,
			"language":    p.Language,
			"captured_at": p.CapturedAt,
			"friends":     friends,
		},
	}
}

type driverWriter struct {
	driver   neo4j.DriverWithContext
	database string
}

func (d *driverWriter) Write(ctx context.Context, stmts ...statement) error {
	session := d.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: d.database,
	})
	defer func() { _ = session.Close(ctx) }()

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, st := range stmts {
			res, err := tx.Run(ctx, st.cypher, st.params)
			if err != nil {
				return nil, err
			}
			if _, err := res.Consume(ctx); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("execute write: %w", err)
	}
	return nil
}

func (d *driverWriter) Close(ctx context.Context) error {
	return d.driver.Close(ctx)
}
