package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kalambet/membot/internal/profile"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding conversation profiles.
type Store struct {
	db *sql.DB
}

var _ profile.Backend = (*Store)(nil)

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "membot.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// A single connection serializes transactions and keeps ":memory:" one database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Profiles ---

const profileColumns = "conversation_id, name, likes, dislikes, version, created_at, updated_at"

// timeLayout is fixed-width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (profile.Profile, error) {
	var (
		p                    profile.Profile
		likes, dislikes      string
		createdAt, updatedAt string
	)
	if err := row.Scan(&p.ConversationID, &p.Name, &likes, &dislikes, &p.Version, &createdAt, &updatedAt); err != nil {
		return profile.Profile{}, err
	}
	if err := json.Unmarshal([]byte(likes), &p.Likes); err != nil {
		return profile.Profile{}, fmt.Errorf("decoding likes: %w", err)
	}
	if err := json.Unmarshal([]byte(dislikes), &p.Dislikes); err != nil {
		return profile.Profile{}, fmt.Errorf("decoding dislikes: %w", err)
	}
	if p.Likes == nil {
		p.Likes = []string{}
	}
	if p.Dislikes == nil {
		p.Dislikes = []string{}
	}
	var err error
	if p.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return profile.Profile{}, fmt.Errorf("decoding created_at: %w", err)
	}
	if p.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return profile.Profile{}, fmt.Errorf("decoding updated_at: %w", err)
	}
	return p, nil
}

// Get returns the profile for id or profile.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (profile.Profile, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+profileColumns+" FROM profiles WHERE conversation_id = ?", id)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return profile.Profile{}, profile.ErrNotFound
	}
	if err != nil {
		return profile.Profile{}, fmt.Errorf("getting profile %q: %w", id, err)
	}
	return p, nil
}

// Update reads, transforms and writes the profile for id inside one transaction.
func (s *Store) Update(ctx context.Context, id string, fn profile.UpdateFunc) (profile.Profile, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return profile.Profile{}, fmt.Errorf("beginning transaction: %w", err)
	}

	cur, err := scanProfile(tx.QueryRowContext(ctx, "SELECT "+profileColumns+" FROM profiles WHERE conversation_id = ?", id))
	exists := true
	if errors.Is(err, sql.ErrNoRows) {
		cur, exists = profile.Profile{}, false
	} else if err != nil {
		tx.Rollback()
		return profile.Profile{}, fmt.Errorf("reading profile %q: %w", id, err)
	}

	next, write, err := fn(cur, exists)
	if err != nil {
		tx.Rollback()
		return profile.Profile{}, err
	}
	if !write {
		tx.Rollback()
		return next, nil
	}

	likes, err := json.Marshal(next.Likes)
	if err != nil {
		tx.Rollback()
		return profile.Profile{}, fmt.Errorf("encoding likes: %w", err)
	}
	dislikes, err := json.Marshal(next.Dislikes)
	if err != nil {
		tx.Rollback()
		return profile.Profile{}, fmt.Errorf("encoding dislikes: %w", err)
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO profiles (`+profileColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			name = excluded.name,
			likes = excluded.likes,
			dislikes = excluded.dislikes,
			version = excluded.version,
			updated_at = excluded.updated_at`,
		id, next.Name, string(likes), string(dislikes), next.Version,
		next.CreatedAt.UTC().Format(timeLayout), next.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		tx.Rollback()
		return profile.Profile{}, fmt.Errorf("writing profile %q: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return profile.Profile{}, fmt.Errorf("committing profile %q: %w", id, err)
	}
	return next, nil
}

// Delete removes the profile for id.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM profiles WHERE conversation_id = ?", id); err != nil {
		return fmt.Errorf("deleting profile %q: %w", id, err)
	}
	return nil
}

// List returns up to limit profiles ordered by most recent update.
func (s *Store) List(ctx context.Context, limit int) ([]profile.Profile, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+profileColumns+" FROM profiles ORDER BY updated_at DESC, conversation_id ASC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("listing profiles: %w", err)
	}
	defer rows.Close()

	var out []profile.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning profile: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
