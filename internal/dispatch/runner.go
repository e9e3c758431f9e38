package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/basket/substrate/internal/bus"
	"github.com/basket/substrate/internal/store"
)

// taskMarker is the minimal task-graph-engine surface the runner needs
// to advance a task's state machine as dispatch events arrive. Satisfied
// by *graph.Engine.
type taskMarker interface {
	MarkTaskRunning(ctx context.Context, sessionID, taskID, workerID string) error
	MarkTaskComplete(ctx context.Context, sessionID, taskID string, exitCode, inputTokens, outputTokens int) error
	MarkTaskFailed(ctx context.Context, sessionID, taskID, errMsg string, exitCode int) error
	MarkTaskCancelled(ctx context.Context, sessionID, taskID string) error
}

type pendingTask struct {
	sessionID    string
	agent        string
	billingMode  string
	model        string
	routed       bool
	worktreePath string
	haveWorktree bool
}

// Runner binds the generic Dispatcher to the task graph. Each task must
// reach two independent milestones — a routing decision (task:routed)
// and a provisioned worktree (worktree:created) — before it can be
// dispatched; the runner waits for whichever arrives second.
type Runner struct {
	mu           sync.Mutex
	pending      map[string]*pendingTask
	inFlight     sync.WaitGroup
	shuttingDown atomic.Bool

	dispatcher *Dispatcher
	store      *store.Store
	marker     taskMarker
	logger     *slog.Logger
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Dispatcher *Dispatcher
	Store      *store.Store
	Marker     taskMarker
	Bus        *bus.Bus
	Logger     *slog.Logger
}

// NewRunner constructs a Runner and subscribes it to task:routed and
// worktree:created.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := &Runner{
		pending:    make(map[string]*pendingTask),
		dispatcher: cfg.Dispatcher,
		store:      cfg.Store,
		marker:     cfg.Marker,
		logger:     cfg.Logger,
	}
	if cfg.Bus != nil {
		cfg.Bus.Subscribe(bus.TopicTaskRouted, r.onTaskRouted)
		cfg.Bus.Subscribe(bus.TopicWorktreeCreated, r.onWorktreeCreated)
	}
	return r
}

func (r *Runner) pendingOrNew(taskID, sessionID string) *pendingTask {
	pt, ok := r.pending[taskID]
	if !ok {
		pt = &pendingTask{sessionID: sessionID}
		r.pending[taskID] = pt
	}
	return pt
}

func (r *Runner) onTaskRouted(ev bus.Event) {
	routed, ok := ev.Payload.(bus.TaskRouted)
	if !ok {
		return
	}
	if routed.Agent == "" {
		// No provider was available for this task; it can never be
		// dispatched, so the task fails immediately rather than waiting
		// forever on a worktree that has nothing to run.
		if r.marker != nil {
			if err := r.marker.MarkTaskFailed(context.Background(), routed.SessionID, routed.TaskID, "no routing candidate available", -1); err != nil {
				r.logger.Error("mark task failed after unroutable decision", "task_id", routed.TaskID, "error", err)
			}
		}
		return
	}

	r.mu.Lock()
	pt := r.pendingOrNew(routed.TaskID, routed.SessionID)
	pt.agent = routed.Agent
	pt.billingMode = routed.BillingMode
	pt.model = routed.Model
	pt.routed = true
	ready := pt.haveWorktree
	r.mu.Unlock()

	if ready {
		r.dispatchTask(routed.SessionID, routed.TaskID)
	}
}

func (r *Runner) onWorktreeCreated(ev bus.Event) {
	created, ok := ev.Payload.(bus.WorktreeCreated)
	if !ok {
		return
	}
	r.mu.Lock()
	pt := r.pendingOrNew(created.TaskID, created.SessionID)
	pt.worktreePath = created.WorktreePath
	pt.haveWorktree = true
	ready := pt.routed
	r.mu.Unlock()

	if ready {
		r.dispatchTask(created.SessionID, created.TaskID)
	}
}

func (r *Runner) dispatchTask(sessionID, taskID string) {
	r.mu.Lock()
	pt, ok := r.pending[taskID]
	if ok {
		delete(r.pending, taskID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	ctx := context.Background()
	var prompt, taskType string
	if r.store != nil {
		task, err := r.store.GetTask(ctx, sessionID, taskID)
		if err != nil {
			r.logger.Error("lookup task before dispatch failed", "task_id", taskID, "error", err)
			r.failTask(ctx, sessionID, taskID, fmt.Sprintf("lookup failed: %s", err))
			return
		}
		prompt = task.Prompt
		taskType = task.Type
	}

	if r.marker != nil {
		if err := r.marker.MarkTaskRunning(ctx, sessionID, taskID, pt.agent); err != nil {
			r.logger.Error("mark task running before dispatch failed", "task_id", taskID, "error", err)
			return
		}
	}

	handle, err := r.dispatcher.Dispatch(ctx, Request{
		TaskID:       taskID,
		Prompt:       prompt,
		Agent:        pt.agent,
		TaskType:     taskType,
		WorktreePath: pt.worktreePath,
		BillingMode:  pt.billingMode,
		Model:        pt.model,
	})
	if err != nil {
		r.logger.Error("dispatch failed", "task_id", taskID, "error", err)
		r.failTask(ctx, sessionID, taskID, err.Error())
		return
	}

	r.inFlight.Add(1)
	go r.awaitResult(sessionID, taskID, handle)
}

// Shutdown stops the runner from writing any further task state: once
// called, in-flight dispatch results are dropped instead of being
// marked complete/failed/cancelled, leaving their disposition to
// whatever sweep the caller runs next (e.g. a store-level reset of
// every still-running task to pending). Blocks until every dispatch
// result already in flight has been observed and dropped.
func (r *Runner) Shutdown() {
	r.shuttingDown.Store(true)
	r.inFlight.Wait()
}

func (r *Runner) failTask(ctx context.Context, sessionID, taskID, reason string) {
	if r.marker == nil {
		return
	}
	if err := r.marker.MarkTaskFailed(ctx, sessionID, taskID, reason, -1); err != nil {
		r.logger.Error("mark task failed failed", "task_id", taskID, "error", err)
	}
}

func (r *Runner) awaitResult(sessionID, taskID string, handle *Handle) {
	defer r.inFlight.Done()
	result := handle.Result()
	if r.marker == nil {
		return
	}
	if r.shuttingDown.Load() {
		// Shutdown owns the disposition of any task still in flight; it
		// resets them to pending (or fails exhausted ones) in one sweep
		// after every worker has stopped, rather than letting this
		// result race that sweep with a cancelled/failed write.
		return
	}
	ctx := context.Background()
	switch result.Status {
	case "completed":
		if err := r.marker.MarkTaskComplete(ctx, sessionID, taskID, result.ExitCode, result.InputTokens, result.OutputTokens); err != nil {
			r.logger.Error("mark task complete failed", "task_id", taskID, "error", err)
		}
	case "cancelled":
		if err := r.marker.MarkTaskCancelled(ctx, sessionID, taskID); err != nil {
			r.logger.Error("mark task cancelled failed", "task_id", taskID, "error", err)
		}
	default: // failed, timeout
		errMsg := result.Error
		if errMsg == "" && result.ParseError != "" {
			errMsg = result.ParseError
		}
		if err := r.marker.MarkTaskFailed(ctx, sessionID, taskID, errMsg, result.ExitCode); err != nil {
			r.logger.Error("mark task failed failed", "task_id", taskID, "error", err)
		}
	}
}
