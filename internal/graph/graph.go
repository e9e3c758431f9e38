// Package graph owns the task and run-level state machines: loading a
// task graph from a document, promoting ready tasks as dependencies
// complete, and driving the Idle/Loading/Executing/Completing run
// states observable on the event bus.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/basket/substrate/internal/bus"
	"github.com/basket/substrate/internal/store"
)

// RunState is the session-scoped execution state, observable as
// orchestrator:state_change.
type RunState string

const (
	StateIdle       RunState = "idle"
	StateLoading    RunState = "loading"
	StateExecuting  RunState = "executing"
	StateCompleting RunState = "completing"
)

// Engine wraps the store with the task/session state machine and the
// scheduling sweep that promotes pending tasks to ready.
type Engine struct {
	store  *store.Store
	bus    *bus.Bus
	logger *slog.Logger

	mu        sync.Mutex
	sessionID string
	state     RunState
}

// Config configures an Engine.
type Config struct {
	Store  *store.Store
	Bus    *bus.Bus
	Logger *slog.Logger
}

// New constructs an Engine in the Idle state.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		store:  cfg.Store,
		bus:    cfg.Bus,
		logger: cfg.Logger,
		state:  StateIdle,
	}
}

// State returns the engine's current run state.
func (e *Engine) State() RunState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SessionID returns the session currently loaded, or "" if none.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

func (e *Engine) setState(ctx context.Context, next RunState) {
	e.mu.Lock()
	prev := e.state
	e.state = next
	sessionID := e.sessionID
	e.mu.Unlock()

	if prev == next {
		return
	}
	e.logger.Info("run state transition", "session_id", sessionID, "from", prev, "to", next)
	if e.bus != nil {
		e.bus.Publish(bus.TopicOrchestratorStateChange, bus.OrchestratorStateChange{
			SessionID: sessionID,
			OldState:  string(prev),
			NewState:  string(next),
		})
	}
}

// LoadGraph parses source (a file path) as a Graph document and
// persists it as a new session, returning the session id.
func (e *Engine) LoadGraph(ctx context.Context, source string) (string, error) {
	text, format, err := readGraphSource(source)
	if err != nil {
		return "", fmt.Errorf("graph: read %s: %w", source, err)
	}
	return e.LoadGraphFromString(ctx, text, format, source)
}

// LoadGraphFromString parses text as a Graph document in the given
// format ("yaml" or "json") and persists it as a new session.
func (e *Engine) LoadGraphFromString(ctx context.Context, text, format, graphFile string) (string, error) {
	e.setState(ctx, StateLoading)

	doc, err := parseDocument(text, format)
	if err != nil {
		e.setState(ctx, StateIdle)
		return "", fmt.Errorf("graph: parse: %w", err)
	}
	if err := doc.validate(); err != nil {
		e.setState(ctx, StateIdle)
		return "", fmt.Errorf("graph: validate: %w", err)
	}
	order, err := topoSort(doc.Tasks)
	if err != nil {
		e.setState(ctx, StateIdle)
		return "", fmt.Errorf("graph: %w", err)
	}

	sessionID, err := e.store.CreateSession(ctx, graphFile)
	if err != nil {
		e.setState(ctx, StateIdle)
		return "", fmt.Errorf("graph: create session: %w", err)
	}

	for _, wave := range order {
		for _, id := range wave {
			t := doc.Tasks[id]
			if err := e.store.CreateTask(ctx, sessionID, id, t.Name, t.Prompt, t.Type, t.Agent, defaultMaxRetries); err != nil {
				e.setState(ctx, StateIdle)
				return "", fmt.Errorf("graph: create task %s: %w", id, err)
			}
		}
	}
	for taskID, t := range doc.Tasks {
		for _, dep := range t.DependsOn {
			if err := e.store.AddDependency(ctx, sessionID, taskID, dep); err != nil {
				e.setState(ctx, StateIdle)
				return "", fmt.Errorf("graph: add dependency %s -> %s: %w", taskID, dep, err)
			}
		}
	}

	e.mu.Lock()
	e.sessionID = sessionID
	e.mu.Unlock()
	e.setState(ctx, StateIdle)
	return sessionID, nil
}

const defaultMaxRetries = 2

// StartExecution promotes initially-ready tasks (those with no
// dependencies) and transitions the run into Executing. concurrency is
// advisory to callers (C6 enforces the semaphore); the graph engine
// itself does not bound in-flight count.
func (e *Engine) StartExecution(ctx context.Context, sessionID string, concurrency int) error {
	e.mu.Lock()
	e.sessionID = sessionID
	e.mu.Unlock()

	e.setState(ctx, StateExecuting)
	return e.sweepReady(ctx, sessionID)
}

// sweepReady promotes every pending task whose dependencies are all
// completed, publishing task:ready for each in order, then checks
// whether the run has reached completion.
func (e *Engine) sweepReady(ctx context.Context, sessionID string) error {
	promoted, err := e.store.PromotePendingToReady(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("graph: promote pending: %w", err)
	}
	for _, id := range promoted {
		if e.bus != nil {
			e.bus.Publish(bus.TopicTaskReady, bus.TaskReady{SessionID: sessionID, TaskID: id})
		}
	}
	return e.checkCompletion(ctx, sessionID)
}

// checkCompletion transitions Executing -> Completing when no task is
// running and no task is ready, and publishes graph:complete.
func (e *Engine) checkCompletion(ctx context.Context, sessionID string) error {
	if e.State() != StateExecuting {
		return nil
	}
	running, err := e.store.ListTasksByStatus(ctx, sessionID, store.TaskRunning)
	if err != nil {
		return fmt.Errorf("graph: list running: %w", err)
	}
	ready, err := e.store.ListTasksByStatus(ctx, sessionID, store.TaskReady)
	if err != nil {
		return fmt.Errorf("graph: list ready: %w", err)
	}
	if len(running) > 0 || len(ready) > 0 {
		return nil
	}

	e.setState(ctx, StateCompleting)

	all, err := e.store.ListTasksBySession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("graph: list all tasks: %w", err)
	}
	summary := bus.GraphComplete{SessionID: sessionID, TotalTasks: len(all)}
	for _, t := range all {
		switch t.Status {
		case store.TaskCompleted:
			summary.CompletedTasks++
		case store.TaskFailed:
			summary.FailedTasks++
		case store.TaskCancelled:
			summary.CancelledTasks++
		}
	}
	if e.bus != nil {
		e.bus.Publish(bus.TopicGraphComplete, summary)
	}
	if err := e.store.SetSessionStatus(ctx, sessionID, store.SessionCompleted); err != nil {
		return fmt.Errorf("graph: mark session completed: %w", err)
	}
	e.setState(ctx, StateIdle)
	return nil
}

// Pause records a pause signal for the session; the orchestrator shell
// observes this by ceasing new dispatch without altering task states.
func (e *Engine) Pause(ctx context.Context) error {
	sessionID := e.SessionID()
	if sessionID == "" {
		return fmt.Errorf("graph: pause: no session loaded")
	}
	return e.store.SetSessionStatus(ctx, sessionID, store.SessionPaused)
}

// Resume clears a pause and resumes dispatch.
func (e *Engine) Resume(ctx context.Context) error {
	sessionID := e.SessionID()
	if sessionID == "" {
		return fmt.Errorf("graph: resume: no session loaded")
	}
	return e.store.SetSessionStatus(ctx, sessionID, store.SessionActive)
}

// CancelAll cancels every ready or running task in the current session.
func (e *Engine) CancelAll(ctx context.Context) ([]string, error) {
	sessionID := e.SessionID()
	if sessionID == "" {
		return nil, fmt.Errorf("graph: cancel all: no session loaded")
	}
	ids, err := e.store.CancelAllForSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("graph: cancel all: %w", err)
	}
	for _, id := range ids {
		if e.bus != nil {
			e.bus.Publish(bus.TopicTaskCancelled, bus.TaskTerminal{SessionID: sessionID, TaskID: id, Status: string(store.TaskCancelled)})
		}
	}
	_ = e.checkCompletion(ctx, sessionID)
	return ids, nil
}

// MarkTaskRunning transitions a ready task to running and publishes
// task:started.
func (e *Engine) MarkTaskRunning(ctx context.Context, sessionID, taskID, workerID string) error {
	ok, err := e.store.MarkTaskRunning(ctx, sessionID, taskID, workerID)
	if err != nil {
		return fmt.Errorf("graph: mark running %s: %w", taskID, err)
	}
	if !ok {
		return &store.IllegalTransitionError{TaskID: taskID, From: store.TaskPending, To: store.TaskRunning}
	}
	if e.bus != nil {
		e.bus.Publish(bus.TopicTaskStarted, bus.TaskStarted{SessionID: sessionID, TaskID: taskID, WorkerID: workerID})
	}
	return nil
}

// MarkTaskComplete transitions a running task to completed, publishes
// task:complete, then sweeps for newly-ready dependents.
func (e *Engine) MarkTaskComplete(ctx context.Context, sessionID, taskID string, exitCode, inputTokens, outputTokens int) error {
	promoted, err := e.store.MarkTaskComplete(ctx, sessionID, taskID, exitCode, inputTokens, outputTokens)
	if err != nil {
		return fmt.Errorf("graph: mark complete %s: %w", taskID, err)
	}
	if e.bus != nil {
		e.bus.Publish(bus.TopicTaskComplete, bus.TaskTerminal{
			SessionID: sessionID, TaskID: taskID, Status: string(store.TaskCompleted),
			ExitCode: exitCode, InputTokens: inputTokens, OutputTokens: outputTokens,
		})
		for _, id := range promoted {
			e.bus.Publish(bus.TopicTaskReady, bus.TaskReady{SessionID: sessionID, TaskID: id})
		}
	}
	return e.checkCompletion(ctx, sessionID)
}

// MarkTaskFailed transitions a running task to failed and publishes
// task:failed. Dependents never become ready.
func (e *Engine) MarkTaskFailed(ctx context.Context, sessionID, taskID, errMsg string, exitCode int) error {
	ok, err := e.store.MarkTaskFailed(ctx, sessionID, taskID, errMsg, exitCode)
	if err != nil {
		return fmt.Errorf("graph: mark failed %s: %w", taskID, err)
	}
	if !ok {
		return &store.IllegalTransitionError{TaskID: taskID, From: store.TaskRunning, To: store.TaskFailed}
	}
	if e.bus != nil {
		e.bus.Publish(bus.TopicTaskFailed, bus.TaskTerminal{SessionID: sessionID, TaskID: taskID, Status: string(store.TaskFailed), ExitCode: exitCode, Error: errMsg})
	}
	return e.checkCompletion(ctx, sessionID)
}

// MarkTaskCancelled transitions a ready or running task to cancelled.
func (e *Engine) MarkTaskCancelled(ctx context.Context, sessionID, taskID string) error {
	ok, err := e.store.MarkTaskCancelled(ctx, sessionID, taskID)
	if err != nil {
		return fmt.Errorf("graph: mark cancelled %s: %w", taskID, err)
	}
	if !ok {
		return &store.IllegalTransitionError{TaskID: taskID, To: store.TaskCancelled}
	}
	if e.bus != nil {
		e.bus.Publish(bus.TopicTaskCancelled, bus.TaskTerminal{SessionID: sessionID, TaskID: taskID, Status: string(store.TaskCancelled)})
	}
	return e.checkCompletion(ctx, sessionID)
}

// GetReadyTasks returns every ready task in the current session.
func (e *Engine) GetReadyTasks(ctx context.Context) ([]store.Task, error) {
	return e.store.ListTasksByStatus(ctx, e.SessionID(), store.TaskReady)
}

// GetTask fetches one task in the current session.
func (e *Engine) GetTask(ctx context.Context, taskID string) (*store.Task, error) {
	return e.store.GetTask(ctx, e.SessionID(), taskID)
}

// GetAllTasks returns every task in the current session.
func (e *Engine) GetAllTasks(ctx context.Context) ([]store.Task, error) {
	return e.store.ListTasksBySession(ctx, e.SessionID())
}

// GetTasksByStatus returns every task in the current session with the
// given status.
func (e *Engine) GetTasksByStatus(ctx context.Context, status store.TaskStatus) ([]store.Task, error) {
	return e.store.ListTasksByStatus(ctx, e.SessionID(), status)
}
