// Package orchestrator is the composition root: it wires the event
// bus, store, worktree manager, task graph engine, routing engine,
// dispatcher, and crash recovery into one running instance, and owns
// the startup and graceful-shutdown sequences.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/substrate/internal/adapter"
	"github.com/basket/substrate/internal/bus"
	"github.com/basket/substrate/internal/cost"
	"github.com/basket/substrate/internal/dispatch"
	"github.com/basket/substrate/internal/execlog"
	"github.com/basket/substrate/internal/graph"
	"github.com/basket/substrate/internal/recovery"
	"github.com/basket/substrate/internal/routing"
	"github.com/basket/substrate/internal/sandbox/docker"
	"github.com/basket/substrate/internal/sandbox/wasm"
	"github.com/basket/substrate/internal/store"
	"github.com/basket/substrate/internal/telemetry"
	"github.com/basket/substrate/internal/worktree"
)

// Config configures a new Orchestrator instance.
type Config struct {
	ProjectRoot  string // directory containing .substrate/ and .substrate-worktrees/
	DBPath       string // defaults to store.DefaultDBPath(ProjectRoot)
	WorktreesDir string // relative to ProjectRoot; defaults to .substrate-worktrees

	PolicyPath string // routing policy document

	MaxConcurrency  int
	GracePeriod     time.Duration
	DefaultTimeouts map[string]time.Duration

	// AgentBinaries overrides the CLI binary invoked per agent name
	// (e.g. "claude" -> "/usr/local/bin/claude"). Missing entries fall
	// back to each adapter's own default binary name.
	AgentBinaries map[string]string

	MaintenanceInterval string // cron expression; defaults to "@every 1m"

	Telemetry telemetry.OTelConfig

	// ContainerSandbox, when non-nil, registers a Docker-backed sandbox
	// so any adapter whose Capabilities().RequiresContainer is true
	// dispatches inside a throwaway container instead of a bare
	// subprocess. Nil leaves container-isolated adapters unsatisfiable
	// (they fall back to a native subprocess, per run()'s fallback rule).
	ContainerSandbox *docker.Config

	// WASMSandbox, when non-nil, loads the named modules into a wazero
	// host and registers it so any adapter whose Capabilities().WASMModule
	// names a loaded module dispatches through it instead of os/exec.
	WASMSandbox *WASMSandboxConfig

	Logger *slog.Logger
}

// WASMSandboxConfig configures the optional WASM adapter sandbox.
type WASMSandboxConfig struct {
	Modules                   map[string]string // module name -> compiled .wasm file path
	MemoryLimitPages          uint32
	AggregateMemoryLimitPages uint32
	InvokeTimeout             time.Duration
}

// Orchestrator holds every wired component and the cron job driving
// periodic maintenance.
type Orchestrator struct {
	cfg Config

	bus       *bus.Bus
	store     *store.Store
	worktrees *worktree.Manager
	graph     *graph.Engine
	routing   *routing.Engine
	dispatch  *dispatch.Dispatcher
	runner    *dispatch.Runner
	recovery  *recovery.Recovery
	execlog   *execlog.Log
	cost      *cost.Tracker

	telemetry *telemetry.Provider
	recorder  *telemetry.Recorder

	containerSandbox *docker.Executor
	wasmHost         *wasm.Host

	cron        *cronlib.Cron
	watchCancel context.CancelFunc
	logger      *slog.Logger
}

// New opens the store, runs migrations, and wires every component.
// Crash recovery is NOT run here; call Start to run it before any new
// dispatch begins.
func New(ctx context.Context, cfg Config) (*Orchestrator, error) {
	if cfg.ProjectRoot == "" {
		return nil, fmt.Errorf("orchestrator: project root required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DBPath == "" {
		cfg.DBPath = store.DefaultDBPath(cfg.ProjectRoot)
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 3
	}
	if cfg.MaintenanceInterval == "" {
		cfg.MaintenanceInterval = "@every 1m"
	}

	if err := worktree.VerifyGitVersion(ctx); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	eventBus := bus.New(cfg.Logger)

	s, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open store: %w", err)
	}
	cfg.Logger.Info("startup phase", "phase", "schema_migrated")

	wm := worktree.New(worktree.Config{
		ProjectRoot:  cfg.ProjectRoot,
		WorktreesDir: cfg.WorktreesDir,
		Bus:          eventBus,
		Store:        s,
		Logger:       cfg.Logger,
	})

	policy, err := routing.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("orchestrator: load policy: %w", err)
	}
	cfg.Logger.Info("startup phase", "phase", "policy_loaded")

	graphEngine := graph.New(graph.Config{
		Store:  s,
		Bus:    eventBus,
		Logger: cfg.Logger,
	})

	// Built before the routing engine so its adapters' EstimateTokens can
	// be wired in as the engine's pre-dispatch token estimator.
	dispatcher := dispatch.New(dispatch.Config{
		MaxConcurrency:  cfg.MaxConcurrency,
		GracePeriod:     cfg.GracePeriod,
		DefaultTimeouts: cfg.DefaultTimeouts,
		Bus:             eventBus,
		Logger:          cfg.Logger,
	})
	adapter.RegisterDefaults(dispatcher, cfg.AgentBinaries)

	routingEngine := routing.New(routing.Config{
		Policy:     policy,
		PolicyPath: cfg.PolicyPath,
		Store:      s,
		Estimator:  dispatcher,
		Bus:        eventBus,
		Logger:     cfg.Logger,
	})

	watchCtx, watchCancel := context.WithCancel(context.Background())
	policyWatcher := routing.NewPolicyWatcher(cfg.PolicyPath, routingEngine, cfg.Logger)
	if err := policyWatcher.Start(watchCtx); err != nil {
		watchCancel()
		_ = s.Close()
		return nil, fmt.Errorf("orchestrator: start policy watcher: %w", err)
	}

	var containerSandbox *docker.Executor
	if cfg.ContainerSandbox != nil {
		containerSandbox, err = docker.New(*cfg.ContainerSandbox)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("orchestrator: init container sandbox: %w", err)
		}
		dispatcher.RegisterSandbox(containerSandbox)
		cfg.Logger.Info("startup phase", "phase", "container_sandbox_ready", "image", cfg.ContainerSandbox.Image)
	}

	var wasmHost *wasm.Host
	if cfg.WASMSandbox != nil {
		wasmHost, err = wasm.NewHost(ctx, wasm.Config{
			Logger:                    cfg.Logger,
			MemoryLimitPages:          cfg.WASMSandbox.MemoryLimitPages,
			AggregateMemoryLimitPages: cfg.WASMSandbox.AggregateMemoryLimitPages,
			InvokeTimeout:             cfg.WASMSandbox.InvokeTimeout,
		})
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("orchestrator: init wasm sandbox: %w", err)
		}
		for name, path := range cfg.WASMSandbox.Modules {
			if err := wasmHost.LoadModuleFromFile(ctx, name, path); err != nil {
				_ = wasmHost.Close(ctx)
				_ = s.Close()
				return nil, fmt.Errorf("orchestrator: load wasm module %s: %w", name, err)
			}
			// The module name doubles as the agent name a routing policy
			// selects to reach it.
			dispatcher.RegisterAdapter(name, adapter.NewWASMSkill(name, nil))
		}
		dispatcher.RegisterSandbox(wasm.NewExecutor(wasmHost))
		cfg.Logger.Info("startup phase", "phase", "wasm_sandbox_ready", "modules", len(cfg.WASMSandbox.Modules))
	}

	runner := dispatch.NewRunner(dispatch.RunnerConfig{
		Dispatcher: dispatcher,
		Store:      s,
		Marker:     graphEngine,
		Bus:        eventBus,
		Logger:     cfg.Logger,
	})

	rec := recovery.New(recovery.Config{
		Store:     s,
		Worktrees: wm,
		Logger:    cfg.Logger,
	})

	execLog := execlog.New(execlog.Config{Store: s, Bus: eventBus, Logger: cfg.Logger})
	costTracker := cost.New(cost.Config{Store: s, Bus: eventBus, Logger: cfg.Logger})

	telProvider, err := telemetry.InitOTel(ctx, cfg.Telemetry)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("orchestrator: init telemetry: %w", err)
	}
	metrics, err := telemetry.NewMetrics(telProvider.Meter)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("orchestrator: init metrics: %w", err)
	}
	recorder := telemetry.NewRecorder(telemetry.RecorderConfig{Metrics: metrics, Bus: eventBus})

	o := &Orchestrator{
		cfg:       cfg,
		bus:       eventBus,
		store:     s,
		worktrees: wm,
		graph:     graphEngine,
		routing:   routingEngine,
		dispatch:  dispatcher,
		runner:    runner,
		recovery:  rec,
		execlog:   execLog,
		cost:      costTracker,
		telemetry:        telProvider,
		recorder:         recorder,
		containerSandbox: containerSandbox,
		wasmHost:         wasmHost,
		watchCancel:      watchCancel,
		logger:           cfg.Logger,
	}

	c := cronlib.New()
	if _, err := c.AddFunc(cfg.MaintenanceInterval, o.runMaintenance); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("orchestrator: schedule maintenance: %w", err)
	}
	o.cron = c

	return o, nil
}

// Bus exposes the event bus for external subscribers (e.g. an NDJSON
// event stream writer).
func (o *Orchestrator) Bus() *bus.Bus { return o.bus }

// Store exposes the store for read-only query-surface consumers (a CLI
// status/cost-report command).
func (o *Orchestrator) Store() *store.Store { return o.store }

// ExecutionLog exposes the C9 query surface.
func (o *Orchestrator) ExecutionLog() *execlog.Log { return o.execlog }

// Cost exposes the C10 aggregation query surface.
func (o *Orchestrator) Cost() *cost.Tracker { return o.cost }

// Start performs crash recovery, then loads graphSource as a new
// session and begins execution at the given concurrency. Recovery
// always runs first, per spec: a process that starts must resolve any
// session left running by a prior crash before touching anything new.
func (o *Orchestrator) Start(ctx context.Context, graphSource string, concurrency int) (string, error) {
	result, err := o.recovery.Run(ctx)
	if err != nil {
		return "", fmt.Errorf("orchestrator: crash recovery: %w", err)
	}
	if result.SessionID != "" {
		o.logger.Info("startup phase", "phase", "recovery_scan_completed",
			"session_id", result.SessionID, "recovered", result.Recovered, "failed", result.Failed,
			"worktrees_reaped", result.WorktreesReaped)
	}

	sessionID, err := o.graph.LoadGraph(ctx, graphSource)
	if err != nil {
		return "", fmt.Errorf("orchestrator: load graph: %w", err)
	}
	cfgConcurrency := concurrency
	if cfgConcurrency <= 0 {
		cfgConcurrency = o.cfg.MaxConcurrency
	}
	if err := o.graph.StartExecution(ctx, sessionID, cfgConcurrency); err != nil {
		return "", fmt.Errorf("orchestrator: start execution: %w", err)
	}

	o.cron.Start()
	o.logger.Info("startup phase", "phase", "execution_started", "session_id", sessionID)
	return sessionID, nil
}

// runMaintenance is the periodic sweep: reclaim expired leases, force a
// lazy rate-window reset sweep across every provider (routing otherwise
// only resets a provider's window the next time it is routed to or
// updated), and reap any worktree left over from a task that has
// already reached a terminal state. Independent of the event-driven
// paths, a safety net against events the bus never delivered (e.g. a
// missed worktree:removed due to a prior crash mid-cleanup).
func (o *Orchestrator) runMaintenance() {
	ctx := context.Background()
	reclaimed, err := o.store.RequeueExpiredLeases(ctx)
	if err != nil {
		o.logger.Warn("maintenance: requeue expired leases failed", "error", err)
	} else if reclaimed > 0 {
		o.logger.Info("maintenance: reclaimed expired leases", "count", reclaimed)
	}

	if reset := o.routing.ResetExpiredWindows(); reset > 0 {
		o.logger.Info("maintenance: reset expired rate windows", "count", reset)
	}

	sessionID := o.graph.SessionID()
	if sessionID == "" || o.worktrees == nil {
		return
	}
	reaped, err := o.worktrees.CleanupAllWorktrees(ctx, sessionID)
	if err != nil {
		o.logger.Warn("maintenance: worktree reap failed", "session_id", sessionID, "error", err)
	} else if reaped > 0 {
		o.logger.Info("maintenance: reaped orphaned worktrees", "session_id", sessionID, "count", reaped)
	}
}

// Shutdown runs the graceful shutdown sequence: pause the graph so no
// new task becomes ready, terminate every worker, reset any task still
// running back to pending (or fail it if its retry budget is
// exhausted), mark the session interrupted so the next start recovers
// it, then force a WAL checkpoint so the reset survives a hard kill.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cron.Stop()

	sessionID := o.graph.SessionID()
	if sessionID == "" {
		return o.closeOut(ctx)
	}

	if err := o.graph.Pause(ctx); err != nil {
		o.logger.Warn("shutdown: pause graph failed", "error", err)
	}

	o.runner.Shutdown()
	if err := o.dispatch.Shutdown(ctx); err != nil {
		o.logger.Warn("shutdown: dispatcher shutdown failed", "error", err)
	}

	// The graph may have already reached a terminal state (completed) on
	// its own between the last dispatch and this call; only a session
	// that still has tasks running needs its running tasks reset and its
	// status rewound to interrupted for the next recovery pass to find.
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		o.logger.Error("shutdown: load session failed", "session_id", sessionID, "error", err)
	} else if sess != nil && (sess.Status == store.SessionCompleted || sess.Status == store.SessionAbandoned) {
		o.logger.Info("shutdown: session already terminal, no reset needed", "session_id", sessionID, "status", sess.Status)
		return o.closeOut(ctx)
	}

	recovered, failed, err := o.store.RecoverRunningTasks(ctx, sessionID)
	if err != nil {
		o.logger.Error("shutdown: reset running tasks failed", "session_id", sessionID, "error", err)
	} else {
		o.logger.Info("shutdown: reset running tasks", "session_id", sessionID, "recovered", recovered, "failed", failed)
	}

	if err := o.store.SetSessionStatus(ctx, sessionID, store.SessionInterrupted); err != nil {
		o.logger.Error("shutdown: mark session interrupted failed", "session_id", sessionID, "error", err)
	}

	return o.closeOut(ctx)
}

// closeOut checkpoints the WAL, flushes telemetry, and closes the store
// — the common tail of every Shutdown path.
func (o *Orchestrator) closeOut(ctx context.Context) error {
	o.watchCancel()
	if o.containerSandbox != nil {
		if err := o.containerSandbox.Close(); err != nil {
			o.logger.Warn("shutdown: container sandbox close failed", "error", err)
		}
	}
	if o.wasmHost != nil {
		if err := o.wasmHost.Close(ctx); err != nil {
			o.logger.Warn("shutdown: wasm sandbox close failed", "error", err)
		}
	}
	if err := o.store.Checkpoint(ctx); err != nil {
		o.logger.Warn("shutdown: wal checkpoint failed", "error", err)
	}
	if err := o.telemetry.Shutdown(ctx); err != nil {
		o.logger.Warn("shutdown: telemetry flush failed", "error", err)
	}
	o.logger.Info("shutdown complete")
	return o.store.Close()
}
