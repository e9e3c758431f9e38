package dispatch_test

import (
	"context"
	"io"
	"testing"

	"github.com/basket/substrate/internal/dispatch"
)

// fakeSandbox is a SandboxExecutor test double: it never shells out, it
// just echoes the configured output/exit code, letting tests assert
// run()'s mode-selection and exit-classification logic in isolation
// from any real container runtime or wazero host.
type fakeSandbox struct {
	mode     string
	output   string
	exitCode int
	err      error
	calls    int
}

func (s *fakeSandbox) Mode() string { return s.mode }

func (s *fakeSandbox) Run(_ context.Context, _ dispatch.Command, stdout, _ io.Writer) (int, error) {
	s.calls++
	if s.err != nil {
		return -1, s.err
	}
	_, _ = io.WriteString(stdout, s.output)
	return s.exitCode, nil
}

// sandboxAdapter requests whichever sandbox mode the test configures
// instead of a real subprocess.
type sandboxAdapter struct {
	mode string
}

func (a *sandboxAdapter) BuildCommand(_ context.Context, prompt string, _ dispatch.BuildOptions) (dispatch.Command, error) {
	return dispatch.Command{Binary: "module", Args: []string{prompt}}, nil
}

func (a *sandboxAdapter) ParseOutput(stdout, _ string, exitCode int) dispatch.Outcome {
	return dispatch.Outcome{Success: exitCode == 0, Output: stdout, ExitCode: exitCode}
}

func (a *sandboxAdapter) EstimateTokens(_ string) dispatch.TokenEstimate {
	return dispatch.TokenEstimate{}
}

func (a *sandboxAdapter) Capabilities() dispatch.Capabilities {
	switch a.mode {
	case dispatch.SandboxModeContainer:
		return dispatch.Capabilities{RequiresContainer: true}
	case dispatch.SandboxModeWASM:
		return dispatch.Capabilities{WASMModule: "module"}
	default:
		return dispatch.Capabilities{}
	}
}

func (a *sandboxAdapter) HealthCheck(_ context.Context) dispatch.Health {
	return dispatch.Health{Healthy: true}
}

func TestDispatchRunsThroughRegisteredSandboxInsteadOfSubprocess(t *testing.T) {
	d := dispatch.New(dispatch.Config{MaxConcurrency: 1, Logger: noopLogger()})
	sandbox := &fakeSandbox{mode: dispatch.SandboxModeWASM, output: `result: sandboxed`, exitCode: 0}
	d.RegisterSandbox(sandbox)
	d.RegisterAdapter("wasm-agent", &sandboxAdapter{mode: dispatch.SandboxModeWASM})

	h, err := d.Dispatch(context.Background(), dispatch.Request{Agent: "wasm-agent", Prompt: "do it"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	result := h.Result()
	if result.Status != "completed" {
		t.Fatalf("expected completed, got %s (err=%s)", result.Status, result.Error)
	}
	if sandbox.calls != 1 {
		t.Fatalf("expected the sandbox executor to run exactly once, got %d", sandbox.calls)
	}
	if result.Parsed["result"] != "sandboxed" {
		t.Fatalf("expected parsed result=sandboxed, got %v", result.Parsed)
	}
}

// containerWantingShellAdapter requests container-mode isolation but
// builds a real shell command, so the test can tell whether it ran
// through a (registered) sandbox or (unregistered, fell back to) a
// native subprocess purely from its output.
type containerWantingShellAdapter struct {
	shellAdapter
}

func (a *containerWantingShellAdapter) Capabilities() dispatch.Capabilities {
	return dispatch.Capabilities{RequiresContainer: true}
}

func TestDispatchFallsBackToSubprocessWhenSandboxModeUnregistered(t *testing.T) {
	d := dispatch.New(dispatch.Config{MaxConcurrency: 1, Logger: noopLogger()})
	// No sandbox registered for container mode: run() must fall back to
	// a real subprocess rather than silently dropping the dispatch.
	d.RegisterAdapter("wants-container", &containerWantingShellAdapter{
		shellAdapter: shellAdapter{script: `echo "result: native"`},
	})

	h, err := d.Dispatch(context.Background(), dispatch.Request{Agent: "wants-container", Prompt: "do it"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	result := h.Result()
	if result.Status != "completed" {
		t.Fatalf("expected completed, got %s (err=%s)", result.Status, result.Error)
	}
	if result.Parsed["result"] != "native" {
		t.Fatalf("expected parsed result=native, got %v", result.Parsed)
	}
}

func TestDispatchSandboxNonZeroExitIsFailed(t *testing.T) {
	d := dispatch.New(dispatch.Config{MaxConcurrency: 1, Logger: noopLogger()})
	sandbox := &fakeSandbox{mode: dispatch.SandboxModeContainer, exitCode: 7}
	d.RegisterSandbox(sandbox)
	d.RegisterAdapter("container-agent", &sandboxAdapter{mode: dispatch.SandboxModeContainer})

	h, err := d.Dispatch(context.Background(), dispatch.Request{Agent: "container-agent", Prompt: "do it"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	result := h.Result()
	if result.Status != "failed" {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if result.ExitCode != 7 {
		t.Fatalf("expected exit code 7, got %d", result.ExitCode)
	}
}
