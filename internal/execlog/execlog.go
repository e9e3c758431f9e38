// Package execlog implements the append-only execution log: it
// subscribes to every status-change event on the bus and appends one
// row per transition, then exposes the read-side query surface a CLI
// consumer uses to inspect a session's history.
package execlog

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/basket/substrate/internal/bus"
	"github.com/basket/substrate/internal/store"
)

// Log subscribes to the bus and mirrors every transition into the
// execution_log table.
type Log struct {
	store  *store.Store
	logger *slog.Logger
}

// Config configures a Log.
type Config struct {
	Store  *store.Store
	Bus    *bus.Bus
	Logger *slog.Logger
}

// New constructs a Log and subscribes it to every topic that carries a
// status transition worth auditing.
func New(cfg Config) *Log {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	l := &Log{store: cfg.Store, logger: cfg.Logger}
	if cfg.Bus == nil {
		return l
	}
	cfg.Bus.Subscribe(bus.TopicTaskReady, l.onTaskReady)
	cfg.Bus.Subscribe(bus.TopicTaskRouted, l.onTaskRouted)
	cfg.Bus.Subscribe(bus.TopicTaskStarted, l.onTaskStarted)
	cfg.Bus.Subscribe(bus.TopicTaskComplete, l.onTerminal)
	cfg.Bus.Subscribe(bus.TopicTaskFailed, l.onTerminal)
	cfg.Bus.Subscribe(bus.TopicTaskCancelled, l.onTerminal)
	cfg.Bus.Subscribe(bus.TopicWorktreeCreated, l.onWorktreeCreated)
	cfg.Bus.Subscribe(bus.TopicWorktreeMerged, l.onWorktreeMerged)
	cfg.Bus.Subscribe(bus.TopicWorktreeConflict, l.onWorktreeConflict)
	cfg.Bus.Subscribe(bus.TopicWorktreeRemoved, l.onWorktreeRemoved)
	cfg.Bus.Subscribe(bus.TopicOrchestratorStateChange, l.onStateChange)
	cfg.Bus.Subscribe(bus.TopicGraphComplete, l.onGraphComplete)
	return l
}

func (l *Log) append(sessionID, taskID, event, oldStatus, newStatus, agent string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		l.logger.Warn("execlog: marshal payload failed", "event", event, "error", err)
		data = nil
	}
	if err := l.store.AppendExecutionLog(context.Background(), sessionID, taskID, event, oldStatus, newStatus, agent, string(data)); err != nil {
		l.logger.Warn("execlog: append failed", "event", event, "session_id", sessionID, "task_id", taskID, "error", err)
	}
}

func (l *Log) onTaskReady(ev bus.Event) {
	p, ok := ev.Payload.(bus.TaskReady)
	if !ok {
		return
	}
	l.append(p.SessionID, p.TaskID, string(bus.TopicTaskReady), "", string(store.TaskReady), "", p)
}

func (l *Log) onTaskRouted(ev bus.Event) {
	p, ok := ev.Payload.(bus.TaskRouted)
	if !ok {
		return
	}
	l.append(p.SessionID, p.TaskID, string(bus.TopicTaskRouted), "", "", p.Agent, p)
}

func (l *Log) onTaskStarted(ev bus.Event) {
	p, ok := ev.Payload.(bus.TaskStarted)
	if !ok {
		return
	}
	l.append(p.SessionID, p.TaskID, string(bus.TopicTaskStarted), string(store.TaskReady), string(store.TaskRunning), p.Agent, p)
}

func (l *Log) onTerminal(ev bus.Event) {
	p, ok := ev.Payload.(bus.TaskTerminal)
	if !ok {
		return
	}
	l.append(p.SessionID, p.TaskID, string(ev.Topic), string(store.TaskRunning), p.Status, "", p)
}

func (l *Log) onWorktreeCreated(ev bus.Event) {
	p, ok := ev.Payload.(bus.WorktreeCreated)
	if !ok {
		return
	}
	l.append(p.SessionID, p.TaskID, string(bus.TopicWorktreeCreated), "", "", "", p)
}

func (l *Log) onWorktreeMerged(ev bus.Event) {
	p, ok := ev.Payload.(bus.WorktreeMerged)
	if !ok {
		return
	}
	l.append(p.SessionID, p.TaskID, string(bus.TopicWorktreeMerged), "", "", "", p)
}

func (l *Log) onWorktreeConflict(ev bus.Event) {
	p, ok := ev.Payload.(bus.WorktreeConflict)
	if !ok {
		return
	}
	l.append(p.SessionID, p.TaskID, string(bus.TopicWorktreeConflict), "", "", "", p)
}

func (l *Log) onWorktreeRemoved(ev bus.Event) {
	p, ok := ev.Payload.(bus.WorktreeRemoved)
	if !ok {
		return
	}
	l.append(p.SessionID, p.TaskID, string(bus.TopicWorktreeRemoved), "", "", "", p)
}

func (l *Log) onStateChange(ev bus.Event) {
	p, ok := ev.Payload.(bus.OrchestratorStateChange)
	if !ok {
		return
	}
	l.append(p.SessionID, "", string(bus.TopicOrchestratorStateChange), p.OldState, p.NewState, "", p)
}

func (l *Log) onGraphComplete(ev bus.Event) {
	p, ok := ev.Payload.(bus.GraphComplete)
	if !ok {
		return
	}
	l.append(p.SessionID, "", string(bus.TopicGraphComplete), "", "complete", "", p)
}

// GetSessionLog returns the ordered execution log for a session,
// optionally capped at limit entries (0 = unlimited).
func (l *Log) GetSessionLog(ctx context.Context, sessionID string, limit int) ([]store.ExecutionLogEntry, error) {
	return l.store.GetSessionLog(ctx, sessionID, limit)
}

// GetLogByEvent returns every log entry for a session matching one event tag.
func (l *Log) GetLogByEvent(ctx context.Context, sessionID, event string) ([]store.ExecutionLogEntry, error) {
	return l.store.GetLogByEvent(ctx, sessionID, event)
}

// GetLogByTimeRange returns log entries recorded within [from, to].
func (l *Log) GetLogByTimeRange(ctx context.Context, sessionID string, from, to time.Time) ([]store.ExecutionLogEntry, error) {
	return l.store.GetLogByTimeRange(ctx, sessionID, from, to)
}
