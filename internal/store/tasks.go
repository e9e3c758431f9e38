package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const defaultLeaseDuration = 30 * time.Second

// CreateTask inserts a new pending task. Callers are responsible for
// inserting its dependency edges with AddDependency before the graph is
// considered loaded.
func (s *Store) CreateTask(ctx context.Context, sessionID, taskID, name, prompt, taskType, agent string, maxRetries int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, session_id, name, prompt, task_type, status, agent, max_retries)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, NULLIF(?, ''), ?);
	`, taskID, sessionID, name, prompt, taskType, TaskPending, agent, maxRetries)
	if err != nil {
		return fmt.Errorf("store: create task %s: %w", taskID, err)
	}
	return nil
}

// AddDependency records that taskID depends on dependsOnID within the
// same session.
func (s *Store) AddDependency(ctx context.Context, sessionID, taskID, dependsOnID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_dependencies (session_id, task_id, depends_on_id) VALUES (?, ?, ?);
	`, sessionID, taskID, dependsOnID)
	if err != nil {
		return fmt.Errorf("store: add dependency %s -> %s: %w", taskID, dependsOnID, err)
	}
	return nil
}

func scanTask(row interface{ Scan(dest ...any) error }) (*Task, error) {
	var t Task
	var status string
	var taskType, agent, workerID, worktreePath, leaseOwner, errText sql.NullString
	var worktreeCleanedAt, leaseExpiresAt sql.NullTime
	var exitCode sql.NullInt64

	err := row.Scan(
		&t.ID, &t.SessionID, &t.Name, &t.Prompt, &taskType, &status, &agent, &workerID,
		&worktreePath, &worktreeCleanedAt, &t.RetryCount, &t.MaxRetries,
		&t.CostUSD, &t.InputTokens, &t.OutputTokens, &exitCode, &errText,
		&leaseOwner, &leaseExpiresAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = TaskStatus(status)
	t.Type = taskType.String
	t.Agent = agent.String
	t.WorkerID = workerID.String
	t.WorktreePath = worktreePath.String
	t.LeaseOwner = leaseOwner.String
	t.Error = errText.String
	if worktreeCleanedAt.Valid {
		v := worktreeCleanedAt.Time
		t.WorktreeCleanedAt = &v
	}
	if leaseExpiresAt.Valid {
		v := leaseExpiresAt.Time
		t.LeaseExpiresAt = &v
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		t.ExitCode = &v
	}
	return &t, nil
}

const taskColumns = `
	id, session_id, name, prompt, task_type, status, agent, worker_id,
	worktree_path, worktree_cleaned_at, retry_count, max_retries,
	cost_usd, input_tokens, output_tokens, exit_code, error,
	lease_owner, lease_expires_at, created_at, updated_at
`

// TaskType returns the task_type of one task, or "" if unset or not
// found. Used by the routing engine to select a task-type-specific
// preferred_agents list without importing the full store surface.
func (s *Store) TaskType(ctx context.Context, sessionID, taskID string) string {
	var taskType sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT task_type FROM tasks WHERE session_id = ? AND id = ?;`, sessionID, taskID).Scan(&taskType); err != nil {
		return ""
	}
	return taskType.String
}

// TaskPrompt returns the prompt text of one task, or "" if unset or
// not found. Used by the routing engine to estimate token cost before
// admitting a task against a provider's rate window.
func (s *Store) TaskPrompt(ctx context.Context, sessionID, taskID string) string {
	var prompt sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT prompt FROM tasks WHERE session_id = ? AND id = ?;`, sessionID, taskID).Scan(&prompt); err != nil {
		return ""
	}
	return prompt.String
}

// GetTask fetches one task by its session-scoped id.
func (s *Store) GetTask(ctx context.Context, sessionID, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE session_id = ? AND id = ?;`, sessionID, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get task %s: %w", taskID, err)
	}
	return t, nil
}

// ListTasksBySession returns every task in a session, insertion order.
func (s *Store) ListTasksBySession(ctx context.Context, sessionID string) ([]Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE session_id = ? ORDER BY rowid ASC;`, sessionID)
}

// ListTasksByStatus returns every task in a session with the given status, insertion order.
func (s *Store) ListTasksByStatus(ctx context.Context, sessionID string, status TaskStatus) ([]Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE session_id = ? AND status = ? ORDER BY rowid ASC;`, sessionID, status)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// DependencyIDs returns the ids that taskID depends on.
func (s *Store) DependencyIDs(ctx context.Context, sessionID, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT depends_on_id FROM task_dependencies WHERE session_id = ? AND task_id = ?;
	`, sessionID, taskID)
	if err != nil {
		return nil, fmt.Errorf("store: dependency ids: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func dependenciesCompletedTx(ctx context.Context, tx *sql.Tx, sessionID, taskID string) (bool, error) {
	var pendingCount int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM task_dependencies d
		JOIN tasks t ON t.session_id = d.session_id AND t.id = d.depends_on_id
		WHERE d.session_id = ? AND d.task_id = ? AND t.status != ?;
	`, sessionID, taskID, TaskCompleted).Scan(&pendingCount)
	if err != nil {
		return false, fmt.Errorf("dependencies completed check: %w", err)
	}
	return pendingCount == 0, nil
}

func appendExecutionLogTx(ctx context.Context, tx *sql.Tx, sessionID, taskID, event, oldStatus, newStatus, agent, data string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO execution_log (session_id, task_id, event, old_status, new_status, agent, data)
		VALUES (?, NULLIF(?, ''), ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''));
	`, sessionID, taskID, event, oldStatus, newStatus, agent, data)
	if err != nil {
		return fmt.Errorf("append execution log: %w", err)
	}
	return nil
}

// transitionTx moves taskID from one of allowedFrom to `to`, appending an
// execution_log row in the same transaction. It returns false (no error)
// if the task is not currently in an allowed predecessor state — the
// caller decides whether that is a legitimate no-op (e.g. a race with
// another promotion) or an IllegalTransitionError.
func transitionTx(ctx context.Context, tx *sql.Tx, sessionID, taskID string, allowedFrom []TaskStatus, to TaskStatus, event, agent string) (bool, error) {
	var current TaskStatus
	var status string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE session_id = ? AND id = ?;`, sessionID, taskID).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("select task for transition: %w", err)
	}
	current = TaskStatus(status)

	allowed := false
	for _, f := range allowedFrom {
		if f == current {
			allowed = true
			break
		}
	}
	if !allowed {
		return false, nil
	}
	if !canTransition(current, to) {
		return false, &IllegalTransitionError{TaskID: taskID, From: current, To: to}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE session_id = ? AND id = ? AND status = ?;
	`, to, sessionID, taskID, current)
	if err != nil {
		return false, fmt.Errorf("update task status: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return false, err
	}
	if err := appendExecutionLogTx(ctx, tx, sessionID, taskID, event, string(current), string(to), agent, ""); err != nil {
		return false, err
	}
	return true, nil
}

// PromotePendingToReady scans pending tasks in insertion order and
// promotes those whose dependencies are all completed, returning the ids
// promoted (the caller publishes task:ready for each, in order).
func (s *Store) PromotePendingToReady(ctx context.Context, sessionID string) ([]string, error) {
	var promoted []string
	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM tasks WHERE session_id = ? AND status = ? ORDER BY rowid ASC;
		`, sessionID, TaskPending)
		if err != nil {
			return fmt.Errorf("list pending: %w", err)
		}
		var candidates []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			candidates = append(candidates, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, id := range candidates {
			done, err := dependenciesCompletedTx(ctx, tx, sessionID, id)
			if err != nil {
				return err
			}
			if !done {
				continue
			}
			ok, err := transitionTx(ctx, tx, sessionID, id, []TaskStatus{TaskPending}, TaskReady, "task:ready", "")
			if err != nil {
				return err
			}
			if ok {
				promoted = append(promoted, id)
			}
		}
		return nil
	})
	return promoted, err
}

// MarkTaskRunning transitions a ready task to running, claiming a worker
// and an initial lease.
func (s *Store) MarkTaskRunning(ctx context.Context, sessionID, taskID, workerID string) (bool, error) {
	var ok bool
	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		var err error
		ok, err = transitionTx(ctx, tx, sessionID, taskID, []TaskStatus{TaskReady}, TaskRunning, "task:started", "")
		if err != nil || !ok {
			return err
		}
		leaseExpires := time.Now().UTC().Add(defaultLeaseDuration)
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET worker_id = ?, lease_owner = ?, lease_expires_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE session_id = ? AND id = ?;
		`, workerID, workerID, leaseExpires, sessionID, taskID)
		if err != nil {
			return fmt.Errorf("set worker/lease: %w", err)
		}
		return nil
	})
	return ok, err
}

// MarkTaskComplete transitions a running task to completed, records its
// exit code/token counts, and promotes any dependents whose last blocking
// dependency just finished. The returned slice is the ordered set of
// newly-ready task ids, to be published by the caller after commit.
func (s *Store) MarkTaskComplete(ctx context.Context, sessionID, taskID string, exitCode, inputTokens, outputTokens int) ([]string, error) {
	var promoted []string
	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		ok, err := transitionTx(ctx, tx, sessionID, taskID, []TaskStatus{TaskRunning}, TaskCompleted, "task:complete", "")
		if err != nil || !ok {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET exit_code = ?, input_tokens = input_tokens + ?, output_tokens = output_tokens + ?, updated_at = CURRENT_TIMESTAMP
			WHERE session_id = ? AND id = ?;
		`, exitCode, inputTokens, outputTokens, sessionID, taskID); err != nil {
			return fmt.Errorf("record completion counters: %w", err)
		}
		promoted, err = promoteDependentsTx(ctx, tx, s, sessionID, taskID)
		return err
	})
	return promoted, err
}

// MarkTaskFailed transitions a running task to failed. Dependents never
// become ready, since their dependency never reaches completed.
func (s *Store) MarkTaskFailed(ctx context.Context, sessionID, taskID, errMsg string, exitCode int) (bool, error) {
	var ok bool
	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		var err error
		ok, err = transitionTx(ctx, tx, sessionID, taskID, []TaskStatus{TaskRunning}, TaskFailed, "task:failed", "")
		if err != nil || !ok {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET exit_code = ?, error = ?, updated_at = CURRENT_TIMESTAMP
			WHERE session_id = ? AND id = ?;
		`, exitCode, errMsg, sessionID, taskID)
		return err
	})
	return ok, err
}

// MarkTaskCancelled transitions a ready or running task to cancelled.
func (s *Store) MarkTaskCancelled(ctx context.Context, sessionID, taskID string) (bool, error) {
	var ok bool
	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		var err error
		ok, err = transitionTx(ctx, tx, sessionID, taskID, []TaskStatus{TaskReady, TaskRunning}, TaskCancelled, "task:cancelled", "")
		return err
	})
	return ok, err
}

// CancelAllForSession cancels every ready or running task in a session
// (the engine-wide cancelAll operation), returning the ids cancelled.
func (s *Store) CancelAllForSession(ctx context.Context, sessionID string) ([]string, error) {
	var cancelled []string
	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM tasks WHERE session_id = ? AND status IN (?, ?) ORDER BY rowid ASC;
		`, sessionID, TaskReady, TaskRunning)
		if err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, id := range ids {
			ok, err := transitionTx(ctx, tx, sessionID, id, []TaskStatus{TaskReady, TaskRunning}, TaskCancelled, "task:cancelled", "")
			if err != nil {
				return err
			}
			if ok {
				cancelled = append(cancelled, id)
			}
		}
		return nil
	})
	return cancelled, err
}

// promoteDependentsTx re-scans pending tasks for readiness after taskID
// completes. It is narrower than PromotePendingToReady's full scan only
// in spirit — both apply the same "all deps completed" test — but is
// invoked inside the same transaction as the terminal transition, per
// §4.4's "persisted in the same DB transaction as any dependent side
// effect" requirement.
func promoteDependentsTx(ctx context.Context, tx *sql.Tx, s *Store, sessionID, completedTaskID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT DISTINCT task_id FROM task_dependencies
		WHERE session_id = ? AND depends_on_id = ?;
	`, sessionID, completedTaskID)
	if err != nil {
		return nil, fmt.Errorf("list dependents: %w", err)
	}
	var dependents []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		dependents = append(dependents, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	var promoted []string
	for _, id := range dependents {
		var status string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE session_id = ? AND id = ?;`, sessionID, id).Scan(&status); err != nil {
			return nil, err
		}
		if TaskStatus(status) != TaskPending {
			continue
		}
		done, err := dependenciesCompletedTx(ctx, tx, sessionID, id)
		if err != nil {
			return nil, err
		}
		if !done {
			continue
		}
		ok, err := transitionTx(ctx, tx, sessionID, id, []TaskStatus{TaskPending}, TaskReady, "task:ready", "")
		if err != nil {
			return nil, err
		}
		if ok {
			promoted = append(promoted, id)
		}
	}
	return promoted, nil
}

// RequeueRunningToPending resets a running task back to pending with an
// incremented retry count, clearing its worker and lease. Used by both
// crash recovery (C7) and graceful shutdown (C8). Deliberately does not
// append an execution_log row: recovery's running->pending reset is a
// documented gap, not a feature, preserving whatever log entries existed
// before the crash.
func (s *Store) RequeueRunningToPending(ctx context.Context, sessionID, taskID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, retry_count = retry_count + 1, worker_id = NULL,
		    lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE session_id = ? AND id = ? AND status = ?;
	`, TaskPending, sessionID, taskID, TaskRunning)
	if err != nil {
		return false, fmt.Errorf("store: requeue running to pending: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// FailExhaustedRunning marks a running task failed because its retry
// budget is exhausted (used by crash recovery when retry_count >=
// max_retries).
func (s *Store) FailExhaustedRunning(ctx context.Context, sessionID, taskID, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, error = ?, worker_id = NULL, lease_owner = NULL,
		    lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE session_id = ? AND id = ? AND status = ?;
	`, TaskFailed, reason, sessionID, taskID, TaskRunning)
	if err != nil {
		return false, fmt.Errorf("store: fail exhausted running task: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// HeartbeatLease extends a running task's lease; it returns false if the
// task is no longer running under that worker (e.g. already completed).
func (s *Store) HeartbeatLease(ctx context.Context, sessionID, taskID, workerID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET lease_expires_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE session_id = ? AND id = ? AND worker_id = ? AND status = ?;
	`, time.Now().UTC().Add(defaultLeaseDuration), sessionID, taskID, workerID, TaskRunning)
	if err != nil {
		return false, fmt.Errorf("store: heartbeat lease: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// RecoverRunningTasks resolves every still-running task of a crashed
// session in a single transaction: tasks under their retry budget are
// requeued to pending with retry_count incremented, tasks that have
// exhausted it are failed outright. Mirrors RequeueRunningToPending and
// FailExhaustedRunning's per-row effect but commits them together so a
// session's recovery is all-or-nothing. Like RequeueRunningToPending,
// deliberately does not write execution-log entries.
func (s *Store) RecoverRunningTasks(ctx context.Context, sessionID string) (recovered, failed int, err error) {
	err = s.Transaction(ctx, func(tx *sql.Tx) error {
		rows, qErr := tx.QueryContext(ctx, `
			SELECT id, retry_count, max_retries FROM tasks
			WHERE session_id = ? AND status = ?;
		`, sessionID, TaskRunning)
		if qErr != nil {
			return qErr
		}
		type row struct {
			taskID               string
			retryCount, maxRetry int
		}
		var running []row
		for rows.Next() {
			var r row
			if scanErr := rows.Scan(&r.taskID, &r.retryCount, &r.maxRetry); scanErr != nil {
				rows.Close()
				return scanErr
			}
			running = append(running, r)
		}
		if rowsErr := rows.Err(); rowsErr != nil {
			rows.Close()
			return rowsErr
		}
		rows.Close()

		for _, r := range running {
			if r.retryCount < r.maxRetry {
				res, execErr := tx.ExecContext(ctx, `
					UPDATE tasks
					SET status = ?, retry_count = retry_count + 1, worker_id = NULL,
					    lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
					WHERE session_id = ? AND id = ? AND status = ?;
				`, TaskPending, sessionID, r.taskID, TaskRunning)
				if execErr != nil {
					return execErr
				}
				if n, _ := res.RowsAffected(); n == 1 {
					recovered++
				}
				continue
			}
			res, execErr := tx.ExecContext(ctx, `
				UPDATE tasks
				SET status = ?, error = ?, worker_id = NULL, lease_owner = NULL,
				    lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
				WHERE session_id = ? AND id = ? AND status = ?;
			`, TaskFailed, "crash recovery: retry budget exhausted", sessionID, r.taskID, TaskRunning)
			if execErr != nil {
				return execErr
			}
			if n, _ := res.RowsAffected(); n == 1 {
				failed++
			}
		}
		return nil
	})
	return recovered, failed, err
}

// RequeueExpiredLeases is the cron sweep's mid-run safety net: any
// running task whose lease has expired without a heartbeat is requeued
// to pending the same way crash recovery would, and returns how many
// were reclaimed.
func (s *Store) RequeueExpiredLeases(ctx context.Context) (int64, error) {
	var reclaimed int64
	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT session_id, id FROM tasks
			WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= CURRENT_TIMESTAMP;
		`, TaskRunning)
		if err != nil {
			return err
		}
		type key struct{ sessionID, taskID string }
		var expired []key
		for rows.Next() {
			var k key
			if err := rows.Scan(&k.sessionID, &k.taskID); err != nil {
				rows.Close()
				return err
			}
			expired = append(expired, k)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, k := range expired {
			res, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET status = ?, retry_count = retry_count + 1, worker_id = NULL,
				    lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
				WHERE session_id = ? AND id = ? AND status = ?;
			`, TaskPending, k.sessionID, k.taskID, TaskRunning)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 1 {
				reclaimed++
			}
		}
		return nil
	})
	return reclaimed, err
}
