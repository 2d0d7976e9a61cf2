// Package postgres stores conversation profiles in PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kalambet/membot/internal/profile"
)

// DBPool defines the interface for database connection pool
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Options configures the Postgres connection.
type Options struct {
	ConnString string
	TableName  string // Default "profiles"
}

// Store implements profile.Backend on PostgreSQL.
type Store struct {
	pool      DBPool
	tableName string
}

var _ profile.Backend = (*Store)(nil)

// New connects to Postgres and returns a Store.
func New(ctx context.Context, opts Options) (*Store, error) {
	pool, err := pgxpool.New(ctx, opts.ConnString)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	return NewWithPool(pool, opts.TableName), nil
}

// NewWithPool creates a Store over an existing pool.
// Useful for testing with mocks
func NewWithPool(pool DBPool, tableName string) *Store {
	if tableName == "" {
		tableName = "profiles"
	}
	return &Store{
		pool:      pool,
		tableName: tableName,
	}
}

// InitSchema creates the profiles table if it doesn't exist.
func (s *Store) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			conversation_id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			likes JSONB NOT NULL DEFAULT '[]',
			dislikes JSONB NOT NULL DEFAULT '[]',
			version INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%s_updated_at ON %s (updated_at DESC);
	`, s.tableName, s.tableName, s.tableName)

	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the connection pool
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) selectQuery() string {
	return fmt.Sprintf("SELECT conversation_id, name, likes, dislikes, version, created_at, updated_at FROM %s", s.tableName)
}

func scanProfile(row pgx.Row) (profile.Profile, error) {
	var (
		p               profile.Profile
		likes, dislikes []byte
	)
	if err := row.Scan(&p.ConversationID, &p.Name, &likes, &dislikes, &p.Version, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return profile.Profile{}, err
	}
	if err := json.Unmarshal(likes, &p.Likes); err != nil {
		return profile.Profile{}, fmt.Errorf("failed to unmarshal likes: %w", err)
	}
	if err := json.Unmarshal(dislikes, &p.Dislikes); err != nil {
		return profile.Profile{}, fmt.Errorf("failed to unmarshal dislikes: %w", err)
	}
	if p.Likes == nil {
		p.Likes = []string{}
	}
	if p.Dislikes == nil {
		p.Dislikes = []string{}
	}
	return p, nil
}

// Get returns the profile for id or profile.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (profile.Profile, error) {
	p, err := scanProfile(s.pool.QueryRow(ctx, s.selectQuery()+" WHERE conversation_id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return profile.Profile{}, profile.ErrNotFound
	}
	if err != nil {
		return profile.Profile{}, fmt.Errorf("failed to load profile: %w", err)
	}
	return p, nil
}

// Update runs fn inside a transaction holding an advisory lock on id, so
// writers in other processes serialize even before the row exists.
func (s *Store) Update(ctx context.Context, id string, fn profile.UpdateFunc) (profile.Profile, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return profile.Profile{}, fmt.Errorf("failed to begin transaction: %w", err)
	}

	next, write, err := s.update(ctx, tx, id, fn)
	if err != nil {
		_ = tx.Rollback(ctx)
		return profile.Profile{}, err
	}
	if !write {
		_ = tx.Rollback(ctx)
		return next, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return profile.Profile{}, fmt.Errorf("failed to commit profile: %w", err)
	}
	return next, nil
}

func (s *Store) update(ctx context.Context, tx pgx.Tx, id string, fn profile.UpdateFunc) (profile.Profile, bool, error) {
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", id); err != nil {
		return profile.Profile{}, false, fmt.Errorf("failed to lock profile: %w", err)
	}

	cur, err := scanProfile(tx.QueryRow(ctx, s.selectQuery()+" WHERE conversation_id = $1 FOR UPDATE", id))
	exists := true
	if errors.Is(err, pgx.ErrNoRows) {
		cur, exists = profile.Profile{}, false
	} else if err != nil {
		return profile.Profile{}, false, fmt.Errorf("failed to load profile: %w", err)
	}

	next, write, err := fn(cur, exists)
	if err != nil || !write {
		return next, false, err
	}

	likes, err := json.Marshal(next.Likes)
	if err != nil {
		return profile.Profile{}, false, fmt.Errorf("failed to marshal likes: %w", err)
	}
	dislikes, err := json.Marshal(next.Dislikes)
	if err != nil {
		return profile.Profile{}, false, fmt.Errorf("failed to marshal dislikes: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (conversation_id, name, likes, dislikes, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (conversation_id) DO UPDATE SET
			name = EXCLUDED.name,
			likes = EXCLUDED.likes,
			dislikes = EXCLUDED.dislikes,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at
	`, s.tableName)

	if _, err := tx.Exec(ctx, query, id, next.Name, likes, dislikes, next.Version, next.CreatedAt, next.UpdatedAt); err != nil {
		return profile.Profile{}, false, fmt.Errorf("failed to save profile: %w", err)
	}
	return next, true, nil
}

// Delete removes the profile for id.
func (s *Store) Delete(ctx context.Context, id string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE conversation_id = $1", s.tableName)
	if _, err := s.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete profile: %w", err)
	}
	return nil
}

// List returns up to limit profiles, most recently updated first.
func (s *Store) List(ctx context.Context, limit int) ([]profile.Profile, error) {
	rows, err := s.pool.Query(ctx, s.selectQuery()+" ORDER BY updated_at DESC LIMIT $1", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	defer rows.Close()

	var out []profile.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan profile row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating profile rows: %w", err)
	}
	return out, nil
}
