// Package wasm hosts AI agent adapters that are distributed as portable
// WASM modules instead of native subprocess binaries. It is an optional
// execution mode for the agent dispatcher (internal/dispatch): an Adapter
// whose capabilities report ExecutionMode == "wasm" runs here instead of
// through os/exec.
package wasm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
)

// Fault reason codes for deterministic WASM execution failures.
const (
	FaultModuleNotFound = "WASM_MODULE_NOT_FOUND"
	FaultTimeout        = "WASM_TIMEOUT"
	FaultMemoryExceeded = "WASM_MEMORY_EXCEEDED"
	FaultNoExport       = "WASM_NO_EXPORT"
	FaultExecError      = "WASM_FAULT"
)

// RunFault is a structured error emitted by a module invocation.
type RunFault struct {
	Reason string
	Module string
	Detail string
}

func (e *RunFault) Error() string {
	return fmt.Sprintf("%s: module=%s: %s", e.Reason, e.Module, e.Detail)
}

// DefaultMemoryLimitPages is 160 pages = 10MB (each WASM page is 64KB).
const DefaultMemoryLimitPages = 160

// DefaultAggregateMemoryLimitPages caps total memory across all loaded modules.
const DefaultAggregateMemoryLimitPages uint32 = 640

// FaultMemoryExhausted is returned when aggregate WASM memory is exhausted.
const FaultMemoryExhausted = "WASM_HOST_MEMORY_EXHAUSTED"

// DefaultInvokeTimeout is the wall-clock limit for a single module invocation,
// mirroring the dispatcher's own per-dispatch timeout semantics.
const DefaultInvokeTimeout = 30 * time.Second

// Config configures a Host.
type Config struct {
	Logger *slog.Logger

	MemoryLimitPages          uint32
	AggregateMemoryLimitPages uint32
	InvokeTimeout             time.Duration
}

// Host runs compiled WASM adapter modules under wazero with resource limits.
// A Host is shared across dispatches; each module is compiled once and
// reused for subsequent invocations of the same adapter.
type Host struct {
	logger *slog.Logger

	runtime       wazero.Runtime
	invokeTimeout time.Duration

	modulesMu            sync.Mutex
	modules              map[string]api.Module
	moduleMemoryPages    map[string]uint32
	aggregateMemoryLimit uint32
}

// NewHost creates a Host with a fresh wazero runtime.
func NewHost(ctx context.Context, cfg Config) (*Host, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	memPages := cfg.MemoryLimitPages
	if memPages == 0 {
		memPages = DefaultMemoryLimitPages
	}
	aggLimit := cfg.AggregateMemoryLimitPages
	if aggLimit == 0 {
		aggLimit = DefaultAggregateMemoryLimitPages
	}
	invokeTimeout := cfg.InvokeTimeout
	if invokeTimeout == 0 {
		invokeTimeout = DefaultInvokeTimeout
	}

	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memPages).
		WithCloseOnContextDone(true)

	return &Host{
		logger:               cfg.Logger,
		runtime:              wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		invokeTimeout:        invokeTimeout,
		modules:              map[string]api.Module{},
		moduleMemoryPages:    map[string]uint32{},
		aggregateMemoryLimit: aggLimit,
	}, nil
}

// Close releases all loaded modules and the runtime.
func (h *Host) Close(ctx context.Context) error {
	h.modulesMu.Lock()
	for name, module := range h.modules {
		_ = module.Close(ctx)
		delete(h.modules, name)
		delete(h.moduleMemoryPages, name)
	}
	h.modulesMu.Unlock()
	return h.runtime.Close(ctx)
}

// HasModule reports whether the named adapter module is loaded.
func (h *Host) HasModule(name string) bool {
	h.modulesMu.Lock()
	defer h.modulesMu.Unlock()
	_, ok := h.modules[name]
	return ok
}

// MemoryStats returns aggregate memory pages, per-module breakdown, and the configured limit.
func (h *Host) MemoryStats() (aggregatePages uint32, perModule map[string]uint32, limit uint32) {
	h.modulesMu.Lock()
	defer h.modulesMu.Unlock()
	perModule = make(map[string]uint32, len(h.moduleMemoryPages))
	for name, pages := range h.moduleMemoryPages {
		aggregatePages += pages
		perModule[name] = pages
	}
	limit = h.aggregateMemoryLimit
	return
}

// LoadModuleFromFile compiles and instantiates a WASM adapter module from disk.
func (h *Host) LoadModuleFromFile(ctx context.Context, name, srcPath string) error {
	wasmBytes, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("read wasm module: %w", err)
	}
	return h.LoadModuleFromBytes(ctx, name, wasmBytes)
}

// LoadModuleFromBytes compiles and instantiates a WASM adapter module,
// rejecting it if doing so would exceed the aggregate memory budget.
func (h *Host) LoadModuleFromBytes(ctx context.Context, name string, wasmBytes []byte) error {
	compiled, err := h.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return fmt.Errorf("compile wasm module %s: %w", name, err)
	}

	var estimatedPages uint32
	for _, def := range compiled.ImportedMemories() {
		estimatedPages += def.Min()
	}
	for _, def := range compiled.ExportedMemories() {
		estimatedPages += def.Min()
	}
	if estimatedPages == 0 {
		estimatedPages = 1
	}

	h.modulesMu.Lock()
	var currentAggregate uint32
	for n, pages := range h.moduleMemoryPages {
		if n != name {
			currentAggregate += pages
		}
	}
	if currentAggregate+estimatedPages > h.aggregateMemoryLimit {
		h.modulesMu.Unlock()
		return &RunFault{
			Reason: FaultMemoryExhausted,
			Module: name,
			Detail: fmt.Sprintf("aggregate=%d pages, new=%d pages, limit=%d pages", currentAggregate, estimatedPages, h.aggregateMemoryLimit),
		}
	}
	if old, ok := h.modules[name]; ok {
		_ = old.Close(ctx)
		delete(h.modules, name)
		delete(h.moduleMemoryPages, name)
	}
	h.modulesMu.Unlock()

	module, err := h.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(name))
	if err != nil {
		return fmt.Errorf("instantiate wasm module %s: %w", name, err)
	}

	actualPages := estimatedPages
	func() {
		defer func() { recover() }()
		if mem := module.Memory(); mem != nil {
			if pages, ok := mem.Grow(0); ok {
				actualPages = pages
			}
		}
	}()
	if actualPages == 0 {
		actualPages = 1
	}

	h.modulesMu.Lock()
	defer h.modulesMu.Unlock()
	h.modules[name] = module
	h.moduleMemoryPages[name] = actualPages

	var aggregate uint32
	for _, pages := range h.moduleMemoryPages {
		aggregate += pages
	}
	h.logger.Info("wasm adapter module loaded", "module", name,
		"memory_pages", actualPages, "aggregate_pages", aggregate, "limit_pages", h.aggregateMemoryLimit)
	return nil
}

// Invoke runs the module's "run" export, passing the prompt via guest memory
// and reading the result back the same way. It is the WASM-mode counterpart
// of spawning a native subprocess: callers treat the returned string as raw
// stdout to be parsed by the dispatcher's structured-output extractor.
func (h *Host) Invoke(ctx context.Context, moduleName, prompt string) (string, error) {
	h.modulesMu.Lock()
	module, ok := h.modules[moduleName]
	h.modulesMu.Unlock()
	if !ok {
		return "", &RunFault{Reason: FaultModuleNotFound, Module: moduleName, Detail: "module not loaded"}
	}

	invokeCtx, cancel := context.WithTimeout(ctx, h.invokeTimeout)
	defer cancel()

	allocFn := module.ExportedFunction("alloc")
	runFn := module.ExportedFunction("run")
	if runFn == nil {
		return "", &RunFault{Reason: FaultNoExport, Module: moduleName, Detail: "no \"run\" export found"}
	}

	promptBytes := []byte(prompt)
	var promptPtr uint64
	if allocFn != nil {
		results, err := allocFn.Call(invokeCtx, uint64(len(promptBytes)))
		if err == nil && len(results) > 0 {
			promptPtr = results[0]
			if !module.Memory().Write(uint32(promptPtr), promptBytes) {
				return "", &RunFault{Reason: FaultExecError, Module: moduleName, Detail: "failed to write prompt to guest memory"}
			}
		}
	}

	results, err := runFn.Call(invokeCtx, promptPtr, uint64(len(promptBytes)))
	if err != nil {
		if fault := classifyFault(moduleName, err); fault != nil {
			h.logger.Warn("wasm adapter invocation fault", "module", moduleName, "reason", fault.Reason)
			return "", fault
		}
		return "", &RunFault{Reason: FaultExecError, Module: moduleName, Detail: err.Error()}
	}
	if len(results) < 2 {
		return "", nil
	}
	resultPtr, resultLen := uint32(results[0]), uint32(results[1])
	data, ok := module.Memory().Read(resultPtr, resultLen)
	if !ok {
		return "", &RunFault{Reason: FaultExecError, Module: moduleName, Detail: "failed to read result from guest memory"}
	}
	return string(data), nil
}

// classifyFault maps a WASM execution error to a deterministic RunFault.
func classifyFault(moduleName string, err error) *RunFault {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &RunFault{Reason: FaultTimeout, Module: moduleName, Detail: err.Error()}
	}
	if errors.Is(err, context.Canceled) {
		return &RunFault{Reason: FaultTimeout, Module: moduleName, Detail: "canceled"}
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return &RunFault{Reason: FaultTimeout, Module: moduleName, Detail: err.Error()}
	}
	errMsg := err.Error()
	if strings.Contains(errMsg, "memory") {
		return &RunFault{Reason: FaultMemoryExceeded, Module: moduleName, Detail: errMsg}
	}
	return &RunFault{Reason: FaultExecError, Module: moduleName, Detail: errMsg}
}
