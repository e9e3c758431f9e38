// Package recovery implements crash recovery: on orchestrator start, it
// finds the most recent session left in an interrupted state and resolves
// every task that was running when the process died, before any new task
// is dispatched.
package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/substrate/internal/store"
)

// worktreeReaper is the narrow surface recovery needs from the worktree
// manager — satisfied by *worktree.Manager.
type worktreeReaper interface {
	CleanupAllWorktrees(ctx context.Context, sessionID string) (int, error)
}

// Recovery performs crash recovery against a session store.
type Recovery struct {
	store     *store.Store
	worktrees worktreeReaper
	logger    *slog.Logger
}

// Config configures a Recovery.
type Config struct {
	Store     *store.Store
	Worktrees worktreeReaper
	Logger    *slog.Logger
}

// New constructs a Recovery.
func New(cfg Config) *Recovery {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Recovery{store: cfg.Store, worktrees: cfg.Worktrees, logger: cfg.Logger}
}

// Result summarizes one recovery pass.
type Result struct {
	// SessionID is empty when no interrupted session was found.
	SessionID       string
	Recovered       int
	Failed          int
	WorktreesReaped int
}

// Run finds the most recent interrupted session, if any, and resolves
// every task left running when the process crashed: tasks under their
// retry budget go back to pending, exhausted ones are failed. It then
// reaps any worktree left over from a running task, since a requeued
// task gets a fresh one on redispatch. Running it twice with nothing new
// interrupted is a no-op on the second call, since the first call leaves
// no session in 'interrupted' or task in 'running' behind.
func (r *Recovery) Run(ctx context.Context) (*Result, error) {
	session, err := r.store.FindInterruptedSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("recovery: find interrupted session: %w", err)
	}
	if session == nil {
		return &Result{}, nil
	}

	result, err := r.recover(ctx, session.ID)
	if err != nil {
		return nil, err
	}

	if err := r.store.SetSessionStatus(ctx, session.ID, store.SessionActive); err != nil {
		return nil, fmt.Errorf("recovery: reactivate session %s: %w", session.ID, err)
	}

	r.logger.Info("crash recovery complete",
		"session_id", session.ID, "recovered", result.Recovered, "failed", result.Failed,
		"worktrees_reaped", result.WorktreesReaped)
	return result, nil
}

// recover resolves one session's running tasks without touching its
// status, used both by Run and directly by callers (e.g. tests) that
// want to recover a specific session id.
func (r *Recovery) recover(ctx context.Context, sessionID string) (*Result, error) {
	recovered, failed, err := r.store.RecoverRunningTasks(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("recovery: recover running tasks for session %s: %w", sessionID, err)
	}

	reaped := 0
	if r.worktrees != nil {
		reaped, err = r.worktrees.CleanupAllWorktrees(ctx, sessionID)
		if err != nil {
			r.logger.Warn("worktree reap during recovery failed", "session_id", sessionID, "error", err)
		}
	}

	return &Result{SessionID: sessionID, Recovered: recovered, Failed: failed, WorktreesReaped: reaped}, nil
}

// Recover resolves a specific session's running tasks and reactivates it,
// regardless of whether it is the most recently interrupted one. Exposed
// for callers (e.g. an operator CLI) that target a session explicitly.
func (r *Recovery) Recover(ctx context.Context, sessionID string) (*Result, error) {
	result, err := r.recover(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := r.store.SetSessionStatus(ctx, sessionID, store.SessionActive); err != nil {
		return nil, fmt.Errorf("recovery: reactivate session %s: %w", sessionID, err)
	}
	return result, nil
}

// ArchiveSession transitions an interrupted session to abandoned, used
// when starting a new graph while a prior interrupted session exists
// rather than resuming it.
func (r *Recovery) ArchiveSession(ctx context.Context, sessionID string) error {
	if err := r.store.ArchiveSession(ctx, sessionID); err != nil {
		return fmt.Errorf("recovery: archive session %s: %w", sessionID, err)
	}
	if r.worktrees != nil {
		if _, err := r.worktrees.CleanupAllWorktrees(ctx, sessionID); err != nil {
			r.logger.Warn("worktree reap during archive failed", "session_id", sessionID, "error", err)
		}
	}
	return nil
}
