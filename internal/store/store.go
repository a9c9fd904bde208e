// Package store is the persistent configuration and request-log store.
//
// It runs on database/sql over one of two drivers:
//   - mattn/go-sqlite3: the embedded default (DB_PATH), WAL journal.
//   - lib/pq          : Postgres, selected when DATABASE_URL is set.
//
// Queries are written once with "?" placeholders and rebound for Postgres.
// Timestamps are stored as unix milliseconds so both dialects share a schema.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a row addressed by key does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrHiddenKey is returned when deleting a hidden (system) key.
	ErrHiddenKey = errors.New("store: hidden keys cannot be deleted")
)

// Options selects the backing database.
type Options struct {
	// DatabaseURL is a Postgres DSN. Takes precedence over Path.
	DatabaseURL string
	// Path is the sqlite file.
	Path string
}

// Store wraps a *sql.DB with the gateway schema.
type Store struct {
	db       *sql.DB
	postgres bool
}

// Open connects to the database selected by opts and applies the schema.
func Open(ctx context.Context, opts Options) (*Store, error) {
	var (
		db  *sql.DB
		err error
		s   = &Store{}
	)

	switch {
	case opts.DatabaseURL != "":
		db, err = sql.Open("postgres", opts.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("store: open postgres: %w", err)
		}
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
		s.postgres = true

	case opts.Path != "":
		if dir := filepath.Dir(opts.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("store: create db dir: %w", err)
			}
		}
		db, err = sql.Open("sqlite3", opts.Path+"?_journal_mode=WAL&_busy_timeout=5000")
		if err != nil {
			return nil, fmt.Errorf("store: open sqlite: %w", err)
		}
		// sqlite allows a single writer.
		db.SetMaxOpenConns(1)

	default:
		return nil, errors.New("store: either DatabaseURL or Path is required")
	}

	s.db = db

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return s, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS providers (
		name TEXT PRIMARY KEY,
		provider_type TEXT NOT NULL,
		api_key TEXT NOT NULL DEFAULT '',
		base_url TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS gateway_keys (
		token TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		usage_count BIGINT NOT NULL DEFAULT 0,
		usage_limit BIGINT,
		rate_limit_per_minute BIGINT,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		is_hidden BOOLEAN NOT NULL DEFAULT FALSE,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS model_groups (
		id TEXT PRIMARY KEY,
		strategy TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS group_members (
		id TEXT PRIMARY KEY,
		group_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		target_model TEXT NOT NULL,
		weight INTEGER NOT NULL DEFAULT 1,
		position INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_group_members_group ON group_members(group_id)`,
	`CREATE TABLE IF NOT EXISTS model_aliases (
		source_model TEXT PRIMARY KEY,
		target_model TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS request_logs (
		id TEXT PRIMARY KEY,
		created_at BIGINT NOT NULL,
		gateway_key TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		real_model TEXT NOT NULL DEFAULT '',
		provider TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		status_code INTEGER NOT NULL DEFAULT 0,
		stream BOOLEAN NOT NULL DEFAULT FALSE,
		latency_ms BIGINT NOT NULL DEFAULT 0,
		input_tokens BIGINT NOT NULL DEFAULT 0,
		output_tokens BIGINT NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		app TEXT NOT NULL DEFAULT '',
		ip TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_request_logs_created ON request_logs(created_at)`,
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// q rewrites "?" placeholders to "$n" on Postgres.
func (s *Store) q(query string) string {
	if !s.postgres {
		return query
	}
	return rebind(query)
}

func rebind(query string) string {
	var (
		sb strings.Builder
		n  int
	)
	sb.Grow(len(query) + 8)
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func intPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

// mustAffect maps a zero-row write to ErrNotFound.
func mustAffect(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
