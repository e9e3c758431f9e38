package store

import (
	"context"
	"fmt"
)

// RecordCostEntry appends one billed task step and adds its cost to the
// task's running total. Each entry receives a fresh database-assigned id.
func (s *Store) RecordCostEntry(ctx context.Context, e CostEntry) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO cost_entries (session_id, task_id, agent, provider, model, billing_mode, tokens_input, tokens_output, cost_usd, savings_usd)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?)
		RETURNING id;
	`, e.SessionID, e.TaskID, e.Agent, e.Provider, e.Model, e.BillingMode, e.TokensInput, e.TokensOutput, e.CostUSD, e.SavingsUSD).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: record cost entry: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET cost_usd = cost_usd + ?, updated_at = CURRENT_TIMESTAMP
		WHERE session_id = ? AND id = ?;
	`, e.CostUSD, e.SessionID, e.TaskID); err != nil {
		return id, fmt.Errorf("store: update task cumulative cost: %w", err)
	}
	return id, nil
}

// SessionCostSummary aggregates billing outcomes for one session.
type SessionCostSummary struct {
	TotalCostUSD    float64
	TotalSavingsUSD float64
	TaskCount       int
}

// SumCostBySession aggregates every cost_entries row in a session.
func (s *Store) SumCostBySession(ctx context.Context, sessionID string) (SessionCostSummary, error) {
	var summary SessionCostSummary
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(cost_usd), 0), COALESCE(SUM(savings_usd), 0), COUNT(DISTINCT task_id)
		FROM cost_entries WHERE session_id = ?;
	`, sessionID).Scan(&summary.TotalCostUSD, &summary.TotalSavingsUSD, &summary.TaskCount)
	if err != nil {
		return summary, fmt.Errorf("store: sum cost by session: %w", err)
	}
	return summary, nil
}

// AgentCostSummary aggregates billing outcomes for one agent within a session.
type AgentCostSummary struct {
	Agent           string
	TotalCostUSD    float64
	TotalSavingsUSD float64
	EntryCount      int
}

// SumCostByAgent aggregates cost_entries grouped by agent for one session.
func (s *Store) SumCostByAgent(ctx context.Context, sessionID string) ([]AgentCostSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent, COALESCE(SUM(cost_usd), 0), COALESCE(SUM(savings_usd), 0), COUNT(*)
		FROM cost_entries WHERE session_id = ? GROUP BY agent ORDER BY agent ASC;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: sum cost by agent: %w", err)
	}
	defer rows.Close()

	var out []AgentCostSummary
	for rows.Next() {
		var a AgentCostSummary
		if err := rows.Scan(&a.Agent, &a.TotalCostUSD, &a.TotalSavingsUSD, &a.EntryCount); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListCostEntriesForTask returns every cost_entries row for one task,
// insertion order.
func (s *Store) ListCostEntriesForTask(ctx context.Context, sessionID, taskID string) ([]CostEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, task_id, agent, provider, COALESCE(model, ''), billing_mode,
			tokens_input, tokens_output, cost_usd, savings_usd, recorded_at
		FROM cost_entries WHERE session_id = ? AND task_id = ? ORDER BY id ASC;
	`, sessionID, taskID)
	if err != nil {
		return nil, fmt.Errorf("store: list cost entries for task: %w", err)
	}
	defer rows.Close()

	var out []CostEntry
	for rows.Next() {
		var c CostEntry
		if err := rows.Scan(&c.ID, &c.SessionID, &c.TaskID, &c.Agent, &c.Provider, &c.Model, &c.BillingMode,
			&c.TokensInput, &c.TokensOutput, &c.CostUSD, &c.SavingsUSD, &c.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
