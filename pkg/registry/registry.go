// Package registry provides the durable SQLite store backing the
// orchestration core: agent records, the blocker graph, pipeline and stage
// runs, gate checks, human-stage state, per-PR review state, and the
// activity log.
//
// The store is single-writer by construction: the connection pool is capped
// at one connection so every statement serializes through one logical
// writer, and the database runs in WAL mode. All domain constraint
// violations surface as the typed errors in errors.go; callers never see
// raw driver errors for those cases.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver registration
)

// Config holds store configuration.
type Config struct {
	// Path is the SQLite database file. The parent directory must exist.
	// Must be a local filesystem path, never a network mount.
	Path string

	// BusyTimeout is how long SQLite waits on a locked database before
	// returning SQLITE_BUSY.
	BusyTimeout time.Duration
}

// DefaultConfig returns production defaults for the store.
func DefaultConfig(path string) Config {
	return Config{
		Path:        path,
		BusyTimeout: 5 * time.Second,
	}
}

// Registry wraps the SQLite handle and exposes the domain operations.
type Registry struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the database at cfg.Path, applies
// pragmas, and runs all pending migrations.
func Open(ctx context.Context, cfg Config) (*Registry, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("registry: database path is required")
	}
	busyMs := cfg.BusyTimeout.Milliseconds()
	if busyMs <= 0 {
		busyMs = 5000
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on&_txlock=immediate",
		url.PathEscape(cfg.Path), busyMs)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("registry: open database: %w", err)
	}

	// One connection: every read and write serializes through a single
	// logical writer. WAL keeps readers from blocking behind the writer in
	// other processes (there are none in normal operation, but tooling may
	// inspect the file).
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("registry: ping database: %w", err)
	}

	if err := runMigrations(db.DB); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("registry: run migrations: %w", err)
	}

	return &Registry{db: db}, nil
}

// Close releases the database handle.
func (r *Registry) Close() error {
	return r.db.Close()
}

// DB exposes the underlying handle for health checks.
func (r *Registry) DB() *sql.DB {
	return r.db.DB
}

// HealthStatus reports connectivity and pool statistics.
type HealthStatus struct {
	Status       string `json:"status"`
	ResponseTime int64  `json:"response_time_ms"`
	InUse        int    `json:"in_use"`
	WaitCount    int64  `json:"wait_count"`
}

// Health pings the database and returns pool statistics.
func (r *Registry) Health(ctx context.Context) (*HealthStatus, error) {
	start := time.Now()
	if err := r.db.PingContext(ctx); err != nil {
		return &HealthStatus{
			Status:       "unhealthy",
			ResponseTime: time.Since(start).Milliseconds(),
		}, err
	}
	stats := r.db.Stats()
	return &HealthStatus{
		Status:       "healthy",
		ResponseTime: time.Since(start).Milliseconds(),
		InUse:        stats.InUse,
		WaitCount:    stats.WaitCount,
	}, nil
}

// inTx runs fn inside a transaction, rolling back on error.
func (r *Registry) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// now returns the canonical UTC timestamp used for all writes.
func now() time.Time {
	return time.Now().UTC()
}
