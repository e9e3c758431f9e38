package store

import (
	"context"
	"fmt"
)

// migration is one numbered, idempotent, forward-only schema step. Its
// checksum guards against a dev accidentally editing an already-applied
// migration's SQL without bumping the version.
type migration struct {
	version  int
	checksum string
	stmts    []string
}

var migrations = []migration{
	{
		version:  1,
		checksum: "substrate-v1-core-schema",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id         TEXT PRIMARY KEY,
				graph_file TEXT NOT NULL,
				status     TEXT NOT NULL DEFAULT 'active',
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE TABLE IF NOT EXISTS tasks (
				id                   TEXT NOT NULL,
				session_id           TEXT NOT NULL REFERENCES sessions(id),
				name                 TEXT NOT NULL,
				prompt               TEXT NOT NULL,
				task_type            TEXT,
				status               TEXT NOT NULL DEFAULT 'pending',
				agent                TEXT,
				worker_id            TEXT,
				worktree_path        TEXT,
				worktree_cleaned_at  DATETIME,
				retry_count          INTEGER NOT NULL DEFAULT 0,
				max_retries          INTEGER NOT NULL DEFAULT 0,
				cost_usd             REAL NOT NULL DEFAULT 0,
				input_tokens         INTEGER NOT NULL DEFAULT 0,
				output_tokens        INTEGER NOT NULL DEFAULT 0,
				exit_code            INTEGER,
				error                TEXT,
				lease_owner          TEXT,
				lease_expires_at     DATETIME,
				created_at           DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at           DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (session_id, id)
			);`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_session_status ON tasks(session_id, status);`,
			`CREATE TABLE IF NOT EXISTS task_dependencies (
				session_id    TEXT NOT NULL,
				task_id       TEXT NOT NULL,
				depends_on_id TEXT NOT NULL,
				PRIMARY KEY (session_id, task_id, depends_on_id),
				FOREIGN KEY (session_id, task_id) REFERENCES tasks(session_id, id),
				FOREIGN KEY (session_id, depends_on_id) REFERENCES tasks(session_id, id)
			);`,
			`CREATE TABLE IF NOT EXISTS session_signals (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id  TEXT NOT NULL REFERENCES sessions(id),
				signal      TEXT NOT NULL,
				created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				consumed_at DATETIME
			);`,
			`CREATE TABLE IF NOT EXISTS execution_log (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id  TEXT NOT NULL,
				task_id     TEXT,
				event       TEXT NOT NULL,
				old_status  TEXT,
				new_status  TEXT,
				agent       TEXT,
				data        TEXT,
				timestamp   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE INDEX IF NOT EXISTS idx_execlog_session_ts ON execution_log(session_id, timestamp);`,
			`CREATE TABLE IF NOT EXISTS cost_entries (
				id           INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id   TEXT NOT NULL,
				task_id      TEXT NOT NULL,
				agent        TEXT NOT NULL,
				provider     TEXT NOT NULL,
				model        TEXT,
				billing_mode TEXT NOT NULL,
				tokens_input  INTEGER NOT NULL DEFAULT 0,
				tokens_output INTEGER NOT NULL DEFAULT 0,
				cost_usd     REAL NOT NULL DEFAULT 0,
				savings_usd  REAL NOT NULL DEFAULT 0,
				recorded_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE INDEX IF NOT EXISTS idx_cost_session_agent ON cost_entries(session_id, agent);`,
		},
	},
}

func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			checksum   TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}

	applied := map[int]string{}
	rows, err := tx.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations;`)
	if err != nil {
		return fmt.Errorf("store: read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		var c string
		if err := rows.Scan(&v, &c); err != nil {
			rows.Close()
			return fmt.Errorf("store: scan schema_migrations: %w", err)
		}
		applied[v] = c
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, m := range migrations {
		if existing, ok := applied[m.version]; ok {
			if existing != m.checksum {
				return fmt.Errorf("store: migration %d checksum mismatch: db has %q, code has %q", m.version, existing, m.checksum)
			}
			continue // already applied, idempotent skip
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("store: apply migration %d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
		`, m.version, m.checksum); err != nil {
			return fmt.Errorf("store: record migration %d: %w", m.version, err)
		}
	}

	return tx.Commit()
}
