// Package store is the embedded, single-file SQL persistence layer. It
// owns the sessions/tasks/task_dependencies/session_signals/execution_log/
// cost_entries tables and guarantees that a successful return from any
// mutating operation survives a process crash, subject to the
// write-ahead-log flush cadence.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultDBPath returns <projectRoot>/.substrate/state.db.
func DefaultDBPath(projectRoot string) string {
	return filepath.Join(projectRoot, ".substrate", "state.db")
}

// Store wraps a single SQLite connection. SQLite only supports one
// writer at a time, so the pool is capped at one connection; readers and
// the writer share it serialized behind the driver's busy timeout and
// WAL mode.
type Store struct {
	db *sql.DB
}

// Open creates the database file (and its parent directory) if absent,
// applies pragmas, and runs schema migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store: empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying connection for callers that need raw access
// (e.g. the recovery package running ad-hoc diagnostic queries).
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("store: set pragma %q: %w", q, err)
		}
	}
	return nil
}

// Checkpoint forces a full WAL fold into the main database file. The
// orchestrator shell calls this as the last durability step of its
// graceful shutdown sequence.
func (s *Store) Checkpoint(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(FULL);")
	if err != nil {
		return fmt.Errorf("store: wal checkpoint: %w", err)
	}
	return nil
}

// Close flushes and releases the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Transaction runs fn inside a single atomic unit, committing on normal
// return and rolling back if fn returns an error or panics. Retries on
// SQLITE_BUSY/LOCKED, since the single-connection pool still contends
// with any other process sharing this file (e.g. a CLI status query
// running against a live orchestrator's database).
func (s *Store) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, 5, func() error {
		return s.runTransaction(ctx, fn)
	})
}

func (s *Store) runTransaction(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit transaction: %w", err)
	}
	return nil
}

// isBusy reports whether err is a transient SQLITE_BUSY/LOCKED condition
// worth retrying rather than surfacing to the caller.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// retryOnBusy retries fn with bounded exponential backoff while SQLite
// reports BUSY/LOCKED, matching the driver's own busy_timeout as a
// second line of defense for contended migration/claim paths.
func retryOnBusy(ctx context.Context, attempts int, fn func() error) error {
	const base = 25 * time.Millisecond
	const max = 400 * time.Millisecond

	var err error
	delay := base
	for i := 0; i <= attempts; i++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		if i == attempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > max {
			delay = max
		}
	}
	return err
}
