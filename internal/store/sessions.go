package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CreateSession inserts a new active session for graphFile and returns
// its generated id.
func (s *Store) CreateSession(ctx context.Context, graphFile string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, graph_file, status) VALUES (?, ?, ?);
	`, id, graphFile, SessionActive)
	if err != nil {
		return "", fmt.Errorf("store: create session: %w", err)
	}
	return id, nil
}

// GetSession fetches a session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, graph_file, status, created_at, updated_at
		FROM sessions WHERE id = ?;
	`, sessionID).Scan(&sess.ID, &sess.GraphFile, &status, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get session: %w", err)
	}
	sess.Status = SessionStatus(status)
	return &sess, nil
}

// SetSessionStatus updates a session's status.
func (s *Store) SetSessionStatus(ctx context.Context, sessionID string, status SessionStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, status, sessionID)
	if err != nil {
		return fmt.Errorf("store: set session status: %w", err)
	}
	return nil
}

// FindInterruptedSession returns the most recently updated session whose
// status is 'interrupted', or nil if none exists.
func (s *Store) FindInterruptedSession(ctx context.Context) (*Session, error) {
	var sess Session
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, graph_file, status, created_at, updated_at
		FROM sessions
		WHERE status = ?
		ORDER BY updated_at DESC
		LIMIT 1;
	`, SessionInterrupted).Scan(&sess.ID, &sess.GraphFile, &status, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: find interrupted session: %w", err)
	}
	sess.Status = SessionStatus(status)
	return &sess, nil
}

// ListSessions returns the most recent sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, graph_file, status, created_at, updated_at
		FROM sessions ORDER BY created_at DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var status string
		if err := rows.Scan(&sess.ID, &sess.GraphFile, &status, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		sess.Status = SessionStatus(status)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ArchiveSession transitions a session to 'abandoned'. Used by recovery
// when a new graph is loaded while a prior interrupted session exists.
func (s *Store) ArchiveSession(ctx context.Context, sessionID string) error {
	return s.SetSessionStatus(ctx, sessionID, SessionAbandoned)
}

// PushSignal enqueues a directive ('pause' | 'resume') for the
// orchestrator to consume.
func (s *Store) PushSignal(ctx context.Context, sessionID, signal string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_signals (session_id, signal) VALUES (?, ?);
	`, sessionID, signal)
	if err != nil {
		return fmt.Errorf("store: push signal: %w", err)
	}
	return nil
}

// ConsumeSignals fetches and marks consumed every pending signal for a
// session, oldest first.
func (s *Store) ConsumeSignals(ctx context.Context, sessionID string) ([]string, error) {
	var signals []string
	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, signal FROM session_signals
			WHERE session_id = ? AND consumed_at IS NULL
			ORDER BY id ASC;
		`, sessionID)
		if err != nil {
			return fmt.Errorf("query signals: %w", err)
		}
		type row struct {
			id     int64
			signal string
		}
		var pending []row
		for rows.Next() {
			var r row
			if err := rows.Scan(&r.id, &r.signal); err != nil {
				rows.Close()
				return fmt.Errorf("scan signal: %w", err)
			}
			pending = append(pending, r)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, r := range pending {
			if _, err := tx.ExecContext(ctx, `
				UPDATE session_signals SET consumed_at = CURRENT_TIMESTAMP WHERE id = ?;
			`, r.id); err != nil {
				return fmt.Errorf("consume signal %d: %w", r.id, err)
			}
			signals = append(signals, r.signal)
		}
		return nil
	})
	return signals, err
}
