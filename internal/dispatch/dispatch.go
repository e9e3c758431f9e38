package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/basket/substrate/internal/bus"
	"github.com/basket/substrate/internal/safety"
)

const (
	defaultGracePeriod = 10 * time.Second
	defaultTimeout     = 10 * time.Minute
)

// ErrShuttingDown is returned by Dispatch once Shutdown has been
// called; no further work is accepted.
var ErrShuttingDown = errors.New("dispatch: dispatcher is shutting down")

// ErrCancelled is the error a queued dispatch's result carries when
// Cancel is called before it starts running.
var ErrCancelled = errors.New("dispatch: cancelled before start")

// Request is one unit of dispatch work. TaskID is carried for event
// correlation even though it is not itself part of the Adapter
// contract.
type Request struct {
	TaskID       string
	Prompt       string
	Agent        string
	TaskType     string
	WorktreePath string
	BillingMode  string
	Model        string
	Timeout      time.Duration
	OutputSchema json.RawMessage
}

// Result is the terminal outcome of a dispatch.
type Result struct {
	Status       string // completed | failed | timeout | cancelled
	ExitCode     int
	Output       string
	Parsed       map[string]any
	ParseError   string
	Error        string
	InputTokens  int
	OutputTokens int
}

// Handle is a live handle to one queued or running dispatch.
type Handle struct {
	ID     string
	TaskID string

	mu       sync.Mutex
	status   string
	result   Result
	done     chan struct{}
	cancelFn func()
}

// Status reports the handle's current lifecycle state.
func (h *Handle) Status() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *Handle) setStatus(s string) {
	h.mu.Lock()
	h.status = s
	h.mu.Unlock()
}

// Cancel requests cancellation. A queued dispatch rejects immediately
// without ever consuming a slot; a running dispatch receives a
// terminate signal and is force-killed after the configured grace
// period if it does not exit.
func (h *Handle) Cancel() {
	h.cancelFn()
}

// Result blocks until the dispatch reaches a terminal state.
func (h *Handle) Result() Result {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

func (h *Handle) finish(r Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return // already finished; exit paths can race harmlessly
	default:
	}
	h.result = r
	h.status = r.Status
	close(h.done)
}

type job struct {
	handle *Handle
	req    Request
	ctx    context.Context
	cancel context.CancelFunc
}

// Config configures a Dispatcher.
type Config struct {
	MaxConcurrency  int
	GracePeriod     time.Duration
	DefaultTimeouts map[string]time.Duration // keyed by task_type
	Bus             *bus.Bus
	Logger          *slog.Logger
}

// Dispatcher is the C6 agent dispatcher / worker pool: a bounded
// concurrency semaphore with a FIFO wait queue, driving registered
// Adapters through their subprocess lifecycle.
type Dispatcher struct {
	mu              sync.Mutex
	adapters        map[string]Adapter
	sandboxes       map[string]SandboxExecutor
	queue           []*job
	runningJobs     map[*job]struct{}
	maxConcurrency  int
	gracePeriod     time.Duration
	defaultTimeouts map[string]time.Duration
	shuttingDown    bool

	bus          *bus.Bus
	leakDetector *safety.LeakDetector
	logger       *slog.Logger
	wg           sync.WaitGroup
}

// New constructs a Dispatcher. Adapters must be registered separately
// via RegisterAdapter before any Dispatch call that names them.
func New(cfg Config) *Dispatcher {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		adapters:        make(map[string]Adapter),
		sandboxes:       make(map[string]SandboxExecutor),
		runningJobs:     make(map[*job]struct{}),
		maxConcurrency:  cfg.MaxConcurrency,
		gracePeriod:     cfg.GracePeriod,
		defaultTimeouts: cfg.DefaultTimeouts,
		bus:             cfg.Bus,
		leakDetector:    safety.NewLeakDetector(),
		logger:          cfg.Logger,
	}
}

// RegisterAdapter wires agent name to the Adapter that serves it.
func (d *Dispatcher) RegisterAdapter(name string, a Adapter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.adapters[name] = a
}

// RegisterSandbox wires an isolated execution backend for the sandbox
// mode it names (SandboxModeContainer or SandboxModeWASM). An adapter
// opts into a mode through its Capabilities; run() falls back to a
// native subprocess for any mode with no registered executor.
func (d *Dispatcher) RegisterSandbox(executor SandboxExecutor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sandboxes[executor.Mode()] = executor
}

// EstimateTokens asks the adapter registered for agent to estimate
// prompt's token cost, so a caller (the routing engine, before it
// admits a task against a provider's rate window) can get a real
// number instead of assuming zero. ok is false if no adapter is
// registered under agent.
func (d *Dispatcher) EstimateTokens(agent, prompt string) (estimate TokenEstimate, ok bool) {
	d.mu.Lock()
	a, found := d.adapters[agent]
	d.mu.Unlock()
	if !found {
		return TokenEstimate{}, false
	}
	return a.EstimateTokens(prompt), true
}

// Pending reports the current wait-queue depth.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Running reports the number of in-flight dispatches.
func (d *Dispatcher) Running() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.runningJobs)
}

// Dispatch enqueues a request and returns immediately with a handle.
// The dispatch starts running once a concurrency slot is free.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Handle, error) {
	d.mu.Lock()
	if d.shuttingDown {
		d.mu.Unlock()
		return nil, ErrShuttingDown
	}
	d.mu.Unlock()

	jobCtx, cancel := context.WithCancel(ctx)
	h := &Handle{ID: uuid.NewString(), TaskID: req.TaskID, status: "queued", done: make(chan struct{})}
	j := &job{handle: h, req: req, ctx: jobCtx, cancel: cancel}
	h.cancelFn = func() { d.cancelJob(j) }

	d.mu.Lock()
	d.queue = append(d.queue, j)
	d.mu.Unlock()

	d.tryPromote()
	return h, nil
}

func (d *Dispatcher) cancelJob(j *job) {
	d.mu.Lock()
	for i, qj := range d.queue {
		if qj == j {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			d.mu.Unlock()
			j.cancel()
			j.handle.finish(Result{Status: "cancelled", Error: ErrCancelled.Error()})
			return
		}
	}
	_, running := d.runningJobs[j]
	d.mu.Unlock()
	if running {
		j.cancel() // terminate -> grace -> force-kill, handled in run()
	}
}

// tryPromote starts as many queued jobs as there are free slots.
func (d *Dispatcher) tryPromote() {
	d.mu.Lock()
	var toStart []*job
	for len(d.queue) > 0 && len(d.runningJobs) < d.maxConcurrency {
		j := d.queue[0]
		d.queue = d.queue[1:]
		d.runningJobs[j] = struct{}{}
		toStart = append(toStart, j)
	}
	d.mu.Unlock()
	for _, j := range toStart {
		d.wg.Add(1)
		go d.run(j)
	}
}

func (d *Dispatcher) defaultTimeoutFor(taskType string) time.Duration {
	if t, ok := d.defaultTimeouts[taskType]; ok && t > 0 {
		return t
	}
	return defaultTimeout
}

// run drives one job through Starting -> Running -> a terminal state.
// Every exit path releases its slot and emits exactly one terminal
// event, per the slot-leak-safety requirement.
func (d *Dispatcher) run(j *job) {
	defer func() {
		d.mu.Lock()
		delete(d.runningJobs, j)
		d.mu.Unlock()
		d.wg.Done()
		d.tryPromote()
	}()

	h := j.handle
	h.setStatus("starting")

	d.mu.Lock()
	adapter, ok := d.adapters[j.req.Agent]
	d.mu.Unlock()
	if !ok {
		d.finishFailed(h, fmt.Sprintf("no adapter registered for agent %q", j.req.Agent))
		return
	}

	cmdSpec, err := adapter.BuildCommand(j.ctx, j.req.Prompt, BuildOptions{
		WorktreePath: j.req.WorktreePath,
		BillingMode:  j.req.BillingMode,
		Model:        j.req.Model,
	})
	if err != nil {
		d.finishFailed(h, fmt.Sprintf("build_command: %s", err))
		return
	}

	timeout := j.req.Timeout
	if timeout <= 0 && cmdSpec.TimeoutMs > 0 {
		timeout = time.Duration(cmdSpec.TimeoutMs) * time.Millisecond
	}
	if timeout <= 0 {
		timeout = d.defaultTimeoutFor(j.req.TaskType)
	}

	runCtx, cancelTimeout := context.WithTimeout(j.ctx, timeout)
	defer cancelTimeout()

	var stdoutAccum, stderrAccum bytes.Buffer
	stdoutW := &streamWriter{d: d, h: h, stream: "stdout", accum: &stdoutAccum}
	stderrW := &streamWriter{d: d, h: h, stream: "stderr", accum: &stderrAccum}

	d.mu.Lock()
	sandbox, sandboxed := d.sandboxes[adapter.Capabilities().sandboxMode()]
	d.mu.Unlock()

	var status string
	var exitCode int
	var errMsg string

	if sandboxed {
		h.setStatus("running")
		if d.bus != nil {
			d.bus.Publish(bus.TopicAgentSpawned, bus.AgentSpawned{
				DispatchID: h.ID, TaskID: h.TaskID, Agent: j.req.Agent, PID: 0,
			})
		}
		code, runErr := sandbox.Run(runCtx, cmdSpec, stdoutW, stderrW)
		status, exitCode, errMsg = classifySandboxExit(runCtx, j.ctx, code, runErr, timeout, h.ID)
	} else {
		cmd := exec.CommandContext(runCtx, cmdSpec.Binary, cmdSpec.Args...)
		if cmdSpec.Cwd != "" {
			cmd.Dir = cmdSpec.Cwd
		}
		if len(cmdSpec.Env) > 0 {
			cmd.Env = cmdSpec.Env
		}
		// Send a terminate signal on cancellation, then force-kill if the
		// process has not exited within the grace period.
		cmd.Cancel = func() error {
			return cmd.Process.Signal(syscall.SIGTERM)
		}
		cmd.WaitDelay = d.gracePeriod
		cmd.Stdout = stdoutW
		cmd.Stderr = stderrW

		if err := cmd.Start(); err != nil {
			d.finishFailed(h, fmt.Sprintf("spawn: %s", err))
			return
		}
		h.setStatus("running")
		if d.bus != nil {
			d.bus.Publish(bus.TopicAgentSpawned, bus.AgentSpawned{
				DispatchID: h.ID, TaskID: h.TaskID, Agent: j.req.Agent, PID: cmd.Process.Pid,
			})
		}

		waitErr := cmd.Wait()
		status, exitCode, errMsg = classifyExit(runCtx, j.ctx, waitErr, timeout, h.ID)
	}

	stdout := stdoutAccum.String()
	stderr := stderrAccum.String()

	if status == "completed" || status == "failed" {
		outcome := adapter.ParseOutput(stdout, stderr, exitCode)
		if !outcome.Success {
			status = "failed"
		}
	}

	result := Result{Status: status, ExitCode: exitCode, Error: errMsg}
	if status == "completed" || status == "failed" {
		extracted := ExtractStructured(stdout, j.req.OutputSchema)
		result.Output = stdout
		result.Parsed = extracted.Parsed
		result.ParseError = extracted.ParseError
	}
	result.InputTokens = ceilDiv4(len(j.req.Prompt))
	result.OutputTokens = ceilDiv4(len(stdout) + len(stderr))

	for _, leak := range d.leakDetector.Scan(stdout) {
		d.logger.Warn("potential secret leak in agent output", "dispatch_id", h.ID, "task_id", h.TaskID, "pattern", leak.Pattern)
	}

	h.finish(result)
	d.publishTerminal(h.ID, h.TaskID, status, exitCode, int(timeout/time.Millisecond), errMsg)
}

func (d *Dispatcher) finishFailed(h *Handle, msg string) {
	h.finish(Result{Status: "failed", ExitCode: -1, Error: msg})
	d.publishTerminal(h.ID, h.TaskID, "failed", -1, 0, msg)
}

func (d *Dispatcher) publishTerminal(dispatchID, taskID, status string, exitCode, timeoutMs int, errMsg string) {
	if d.bus == nil {
		return
	}
	var topic bus.Topic
	switch status {
	case "completed":
		topic = bus.TopicAgentCompleted
	case "timeout":
		topic = bus.TopicAgentTimeout
	default:
		topic = bus.TopicAgentFailed
	}
	d.bus.Publish(topic, bus.AgentTerminal{
		DispatchID: dispatchID, TaskID: taskID, Status: status,
		ExitCode: exitCode, TimeoutMs: timeoutMs, Error: errMsg,
	})
}

// classifyExit interprets cmd.Wait()'s error against the run and
// dispatch contexts to distinguish a clean exit from a timeout or an
// explicit cancellation.
func classifyExit(runCtx, dispatchCtx context.Context, waitErr error, timeout time.Duration, dispatchID string) (status string, exitCode int, errMsg string) {
	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		return "timeout", -1, fmt.Sprintf("dispatch %s timed out after %s", dispatchID, timeout)
	case dispatchCtx.Err() == context.Canceled:
		return "cancelled", -1, "dispatch cancelled"
	case waitErr != nil:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return "failed", exitErr.ExitCode(), waitErr.Error()
		}
		return "failed", -1, waitErr.Error()
	default:
		return "completed", 0, ""
	}
}

// classifySandboxExit is classifyExit's counterpart for a SandboxExecutor
// run: the executor reports its exit code directly instead of through an
// *exec.ExitError, so a non-nil err here always means the sandbox itself
// failed to produce a result (container runtime, module fault) rather
// than the guest program exiting non-zero.
func classifySandboxExit(runCtx, dispatchCtx context.Context, exitCode int, runErr error, timeout time.Duration, dispatchID string) (status string, code int, errMsg string) {
	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		return "timeout", -1, fmt.Sprintf("dispatch %s timed out after %s", dispatchID, timeout)
	case dispatchCtx.Err() == context.Canceled:
		return "cancelled", -1, "dispatch cancelled"
	case runErr != nil:
		return "failed", -1, runErr.Error()
	case exitCode != 0:
		return "failed", exitCode, fmt.Sprintf("exit code %d", exitCode)
	default:
		return "completed", 0, ""
	}
}

// streamWriter publishes one agent:output event per line of a stream
// while also accumulating the full text for terminal parsing.
type streamWriter struct {
	d      *Dispatcher
	h      *Handle
	stream string
	accum  *bytes.Buffer
	pend   bytes.Buffer
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.accum.Write(p)
	w.pend.Write(p)
	for {
		b := w.pend.Bytes()
		idx := bytes.IndexByte(b, '\n')
		if idx < 0 {
			break
		}
		line := string(b[:idx+1])
		w.pend.Next(idx + 1)
		if w.d.bus != nil {
			w.d.bus.Publish(bus.TopicAgentOutput, bus.AgentOutput{
				DispatchID: w.h.ID, TaskID: w.h.TaskID, Stream: w.stream, Chunk: line,
			})
		}
	}
	return len(p), nil
}

// Shutdown rejects all queued dispatches and sends a terminate signal
// to every running one, waiting up to ctx's deadline for the pool to
// drain.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.shuttingDown = true
	pending := d.queue
	d.queue = nil
	running := make([]*job, 0, len(d.runningJobs))
	for j := range d.runningJobs {
		running = append(running, j)
	}
	d.mu.Unlock()

	for _, j := range pending {
		j.cancel()
		j.handle.finish(Result{Status: "cancelled", Error: ErrShuttingDown.Error()})
	}
	for _, j := range running {
		j.cancel()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
