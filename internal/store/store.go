package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/facegate/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// DefaultDim is the embedding width of the stock recognition model
const DefaultDim = 512

// Store manages the PostgreSQL connection pool and pgvector operations.
type Store struct {
	pool *pgxpool.Pool
	dim  int
}

// IdentityInfo is a row of the identities table as shown by the CLI
type IdentityInfo struct {
	ID        int64
	Name      string
	CreatedAt time.Time
}

// EnrolledFeature pairs an identity with its stored embedding
type EnrolledFeature struct {
	Identity types.Identity
	Feature  types.Feature
}

// New establishes a connection pool to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string, dim int) (*Store, error) {
	if dim <= 0 {
		dim = DefaultDim
	}
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool, dim); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool, dim: dim}, nil
}

// initSchema creates the necessary tables and vector extension if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, pool *pgxpool.Pool, dim int) error {
	query := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS identities (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			embedding VECTOR(%d) NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS session_state (
			session TEXT PRIMARY KEY,
			track_high_water BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS identities_embedding_idx ON identities USING hnsw (embedding vector_cosine_ops);
	`, dim)
	_, err := pool.Exec(ctx, query)
	return err
}

// Close terminates the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Dim returns the embedding width the schema was created with
func (s *Store) Dim() int { return s.dim }

// BestMatch returns the enrolled identity closest to feature.
// Score is cosine similarity (1 - pgvector cosine distance). ok is false when no identity is enrolled.
func (s *Store) BestMatch(ctx context.Context, feature types.Feature) (types.Match, bool, error) {
	if len(feature) != s.dim {
		return types.Match{}, false, fmt.Errorf("feature has %d dimensions, store expects %d", len(feature), s.dim)
	}
	vec := pgvector.NewVector(feature)

	// <=> is the cosine distance operator in pgvector
	var m types.Match
	var dist float64
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, embedding <=> $1 AS distance
		FROM identities
		ORDER BY embedding <=> $1 ASC
		LIMIT 1
	`, vec).Scan(&m.Identity.ID, &m.Identity.Name, &dist)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Match{}, false, nil
	}
	if err != nil {
		return types.Match{}, false, err
	}
	m.Score = 1 - dist
	return m, true, nil
}

// CreateIdentity inserts an enrolled identity and returns its ID.
func (s *Store) CreateIdentity(ctx context.Context, name string, feature types.Feature) (int64, error) {
	if len(feature) != s.dim {
		return 0, fmt.Errorf("feature has %d dimensions, store expects %d", len(feature), s.dim)
	}
	var id int64
	err := s.pool.QueryRow(ctx,
		"INSERT INTO identities (name, embedding) VALUES ($1, $2) RETURNING id",
		name, pgvector.NewVector(feature)).Scan(&id)
	return id, err
}

// RenameIdentity updates the name of an identity.
func (s *Store) RenameIdentity(ctx context.Context, id int64, newName string) error {
	tag, err := s.pool.Exec(ctx, "UPDATE identities SET name = $1 WHERE id = $2", newName, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("identity %d not found", id)
	}
	return nil
}

// ListIdentities returns every identity ordered by ID.
func (s *Store) ListIdentities(ctx context.Context) ([]IdentityInfo, error) {
	rows, err := s.pool.Query(ctx, "SELECT id, name, created_at FROM identities ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IdentityInfo
	for rows.Next() {
		var i IdentityInfo
		if err := rows.Scan(&i.ID, &i.Name, &i.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// AllFeatures loads every enrolled embedding, used to build the in-memory index.
func (s *Store) AllFeatures(ctx context.Context) ([]EnrolledFeature, error) {
	rows, err := s.pool.Query(ctx, "SELECT id, name, embedding FROM identities ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EnrolledFeature
	for rows.Next() {
		var e EnrolledFeature
		var vec pgvector.Vector
		if err := rows.Scan(&e.Identity.ID, &e.Identity.Name, &vec); err != nil {
			return nil, err
		}
		e.Feature = vec.Slice()
		out = append(out, e)
	}
	return out, rows.Err()
}

// LoadHighWater returns the last persisted track-ID high-water mark for session, or 0.
func (s *Store) LoadHighWater(ctx context.Context, session string) (int64, error) {
	var hw int64
	err := s.pool.QueryRow(ctx, "SELECT track_high_water FROM session_state WHERE session = $1", session).Scan(&hw)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return hw, err
}

// SaveHighWater persists the high-water mark. It never moves the stored value backwards.
func (s *Store) SaveHighWater(ctx context.Context, session string, hw int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO session_state (session, track_high_water, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (session) DO UPDATE
		SET track_high_water = GREATEST(session_state.track_high_water, EXCLUDED.track_high_water),
		    updated_at = NOW()
	`, session, hw)
	return err
}

// ResetSession forgets the high-water mark of one session.
func (s *Store) ResetSession(ctx context.Context, session string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM session_state WHERE session = $1", session)
	return err
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS session_state CASCADE;
		DROP TABLE IF EXISTS identities CASCADE;
	`)
	return err
}
