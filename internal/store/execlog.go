package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AppendExecutionLog writes one free-standing execution_log row, for
// events that do not arise from a task status transition (e.g.
// orchestrator:state_change).
func (s *Store) AppendExecutionLog(ctx context.Context, sessionID, taskID, event, oldStatus, newStatus, agent, data string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_log (session_id, task_id, event, old_status, new_status, agent, data)
		VALUES (?, NULLIF(?, ''), ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''));
	`, sessionID, taskID, event, oldStatus, newStatus, agent, data)
	if err != nil {
		return fmt.Errorf("store: append execution log: %w", err)
	}
	return nil
}

func scanExecutionLogEntry(row interface{ Scan(dest ...any) error }) (*ExecutionLogEntry, error) {
	var e ExecutionLogEntry
	var taskID, oldStatus, newStatus, agent, data sql.NullString
	if err := row.Scan(&e.ID, &e.SessionID, &taskID, &e.Event, &oldStatus, &newStatus, &agent, &data, &e.Timestamp); err != nil {
		return nil, err
	}
	e.TaskID = taskID.String
	e.OldStatus = oldStatus.String
	e.NewStatus = newStatus.String
	e.Agent = agent.String
	e.Data = data.String
	return &e, nil
}

const execLogColumns = `id, session_id, task_id, event, old_status, new_status, agent, data, timestamp`

// GetSessionLog returns the ordered execution log for a session,
// optionally capped at limit entries (0 = unlimited). Ordering is
// (timestamp asc, id asc); ties are resolved by insertion id.
func (s *Store) GetSessionLog(ctx context.Context, sessionID string, limit int) ([]ExecutionLogEntry, error) {
	query := `SELECT ` + execLogColumns + ` FROM execution_log WHERE session_id = ? ORDER BY timestamp ASC, id ASC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryExecutionLog(ctx, query, args...)
}

// GetLogByEvent returns every log entry for a session matching one event tag.
func (s *Store) GetLogByEvent(ctx context.Context, sessionID, event string) ([]ExecutionLogEntry, error) {
	return s.queryExecutionLog(ctx, `
		SELECT `+execLogColumns+` FROM execution_log
		WHERE session_id = ? AND event = ? ORDER BY timestamp ASC, id ASC;
	`, sessionID, event)
}

// GetLogByTimeRange returns log entries within [from, to].
func (s *Store) GetLogByTimeRange(ctx context.Context, sessionID string, from, to time.Time) ([]ExecutionLogEntry, error) {
	return s.queryExecutionLog(ctx, `
		SELECT `+execLogColumns+` FROM execution_log
		WHERE session_id = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC, id ASC;
	`, sessionID, from, to)
}

func (s *Store) queryExecutionLog(ctx context.Context, query string, args ...any) ([]ExecutionLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query execution log: %w", err)
	}
	defer rows.Close()

	var out []ExecutionLogEntry
	for rows.Next() {
		e, err := scanExecutionLogEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan execution log: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// RunRetention purges execution_log and cost_entries rows older than
// their respective day thresholds (0 disables purging for that table).
func (s *Store) RunRetention(ctx context.Context, executionLogDays, costEntryDays int) (RetentionResult, error) {
	var result RetentionResult
	if executionLogDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -executionLogDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM execution_log WHERE timestamp < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("store: purge execution_log: %w", err)
		}
		result.PurgedExecutionLog, _ = res.RowsAffected()
	}
	if costEntryDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -costEntryDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM cost_entries WHERE recorded_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("store: purge cost_entries: %w", err)
		}
		result.PurgedCostEntries, _ = res.RowsAffected()
	}
	return result, nil
}

// RetentionResult reports how many rows RunRetention purged.
type RetentionResult struct {
	PurgedExecutionLog int64
	PurgedCostEntries  int64
}
