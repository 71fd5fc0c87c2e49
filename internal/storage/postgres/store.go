// Package postgres persists Target state and session reports in Postgres so
// that cooldowns and suspensions survive restarts and are shared between the
// daemon and the CLI.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Default table names.
const (
	DefaultStateTable   = "harvest_target_state"
	DefaultSessionTable = "harvest_sessions"
)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string
	StateTable      string
	SessionTable    string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Pool is the subset of pgxpool.Pool used by Store.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Store implements harvest.StateStore and harvest.SessionStore. Table names
// are held quoted, ready to be placed in SQL.
type Store struct {
	pool         Pool
	stateTable   string
	sessionTable string
	sessionIndex string
}

// Connect opens a pgx pool and wraps it in a Store.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := New(pool, cfg)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// New wraps an existing pool (primarily for testing).
func New(pool Pool, cfg Config) (*Store, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	stateTable := cfg.StateTable
	if stateTable == "" {
		stateTable = DefaultStateTable
	}
	sessionTable := cfg.SessionTable
	if sessionTable == "" {
		sessionTable = DefaultSessionTable
	}
	for _, table := range []string{stateTable, sessionTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &Store{
		pool:         pool,
		stateTable:   pgx.Identifier{stateTable}.Sanitize(),
		sessionTable: pgx.Identifier{sessionTable}.Sanitize(),
		sessionIndex: pgx.Identifier{sessionTable + "_target_started_idx"}.Sanitize(),
	}, nil
}

// EnsureSchema creates the state and session tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	target TEXT PRIMARY KEY,
	mode TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	consecutive_errors INTEGER NOT NULL DEFAULT 0,
	consecutive_transient INTEGER NOT NULL DEFAULT 0,
	escalations INTEGER NOT NULL DEFAULT 0,
	last_request TIMESTAMPTZ,
	cooldown_until TIMESTAMPTZ,
	operator_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.stateTable),
		fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS operator_at TIMESTAMPTZ`, s.stateTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	target TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	report JSONB NOT NULL
)`, s.sessionTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (target, started_at DESC)`,
			s.sessionIndex, s.sessionTable),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
