package dispatch_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/basket/substrate/internal/dispatch"
)

// shellAdapter builds a plain `sh -c <script>` command, letting tests
// exercise the real subprocess lifecycle without depending on any
// external binary.
type shellAdapter struct {
	script    string
	timeoutMs int
}

func (a *shellAdapter) BuildCommand(ctx context.Context, prompt string, opts dispatch.BuildOptions) (dispatch.Command, error) {
	return dispatch.Command{Binary: "sh", Args: []string{"-c", a.script}, TimeoutMs: a.timeoutMs}, nil
}

func (a *shellAdapter) ParseOutput(stdout, stderr string, exitCode int) dispatch.Outcome {
	return dispatch.Outcome{Success: exitCode == 0, Output: stdout, ExitCode: exitCode}
}

func (a *shellAdapter) EstimateTokens(prompt string) dispatch.TokenEstimate {
	return dispatch.TokenEstimate{}
}

func (a *shellAdapter) Capabilities() dispatch.Capabilities { return dispatch.Capabilities{} }

func (a *shellAdapter) HealthCheck(ctx context.Context) dispatch.Health {
	return dispatch.Health{Healthy: true}
}

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestDispatchCompletesSuccessfully(t *testing.T) {
	d := dispatch.New(dispatch.Config{MaxConcurrency: 2, Logger: noopLogger()})
	d.RegisterAdapter("shell", &shellAdapter{script: `echo "result: success"`})

	h, err := d.Dispatch(context.Background(), dispatch.Request{Agent: "shell", Prompt: "do it"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	result := h.Result()
	if result.Status != "completed" {
		t.Fatalf("expected completed, got %s (err=%s)", result.Status, result.Error)
	}
	if result.Parsed["result"] != "success" {
		t.Fatalf("expected parsed result=success, got %v", result.Parsed)
	}
}

func TestDispatchFailedExitCodeIsReported(t *testing.T) {
	d := dispatch.New(dispatch.Config{MaxConcurrency: 1, Logger: noopLogger()})
	d.RegisterAdapter("shell", &shellAdapter{script: `echo boom 1>&2; exit 3`})

	h, err := d.Dispatch(context.Background(), dispatch.Request{Agent: "shell", Prompt: "do it"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	result := h.Result()
	if result.Status != "failed" {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if result.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d", result.ExitCode)
	}
}

func TestDispatchTimesOutAndForceKills(t *testing.T) {
	d := dispatch.New(dispatch.Config{MaxConcurrency: 1, GracePeriod: 50 * time.Millisecond, Logger: noopLogger()})
	d.RegisterAdapter("shell", &shellAdapter{script: `sleep 5`})

	h, err := d.Dispatch(context.Background(), dispatch.Request{Agent: "shell", Prompt: "do it", Timeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	result := h.Result()
	if result.Status != "timeout" {
		t.Fatalf("expected timeout, got %s", result.Status)
	}
	if result.ExitCode != -1 {
		t.Fatalf("expected exit code -1 on timeout, got %d", result.ExitCode)
	}
}

func TestDispatchAdapterNotFoundReleasesSlot(t *testing.T) {
	d := dispatch.New(dispatch.Config{MaxConcurrency: 1, Logger: noopLogger()})

	h, err := d.Dispatch(context.Background(), dispatch.Request{Agent: "nonexistent", Prompt: "do it"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	result := h.Result()
	if result.Status != "failed" {
		t.Fatalf("expected failed for missing adapter, got %s", result.Status)
	}
	waitUntil(t, time.Second, func() bool { return d.Running() == 0 && d.Pending() == 0 })
}

func TestConcurrencyCapQueuesExcessDispatches(t *testing.T) {
	d := dispatch.New(dispatch.Config{MaxConcurrency: 2, Logger: noopLogger()})
	d.RegisterAdapter("shell", &shellAdapter{script: `sleep 0.2`})

	var handles []*dispatch.Handle
	for i := 0; i < 3; i++ {
		h, err := d.Dispatch(context.Background(), dispatch.Request{Agent: "shell", Prompt: "do it"})
		if err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
		handles = append(handles, h)
	}

	waitUntil(t, time.Second, func() bool { return d.Running() == 2 && d.Pending() == 1 })

	for _, h := range handles {
		if result := h.Result(); result.Status != "completed" {
			t.Fatalf("expected completed, got %s", result.Status)
		}
	}
	waitUntil(t, time.Second, func() bool { return d.Running() == 0 && d.Pending() == 0 })
}

func TestCancelQueuedDispatchDoesNotConsumeSlot(t *testing.T) {
	d := dispatch.New(dispatch.Config{MaxConcurrency: 1, Logger: noopLogger()})
	d.RegisterAdapter("shell", &shellAdapter{script: `sleep 0.3`})

	running, err := d.Dispatch(context.Background(), dispatch.Request{Agent: "shell", Prompt: "do it"})
	if err != nil {
		t.Fatalf("dispatch running: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return d.Running() == 1 })

	queued, err := d.Dispatch(context.Background(), dispatch.Request{Agent: "shell", Prompt: "do it"})
	if err != nil {
		t.Fatalf("dispatch queued: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return d.Pending() == 1 })

	queued.Cancel()
	result := queued.Result()
	if result.Status != "cancelled" {
		t.Fatalf("expected cancelled, got %s", result.Status)
	}
	if d.Pending() != 0 {
		t.Fatalf("expected cancelling a queued dispatch to leave no pending entry, got %d", d.Pending())
	}

	if r := running.Result(); r.Status != "completed" {
		t.Fatalf("expected the running dispatch to complete normally, got %s", r.Status)
	}
}

func TestShutdownCancelsPendingAndRunning(t *testing.T) {
	d := dispatch.New(dispatch.Config{MaxConcurrency: 1, GracePeriod: 50 * time.Millisecond, Logger: noopLogger()})
	d.RegisterAdapter("shell", &shellAdapter{script: `sleep 5`})

	running, err := d.Dispatch(context.Background(), dispatch.Request{Agent: "shell", Prompt: "do it"})
	if err != nil {
		t.Fatalf("dispatch running: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return d.Running() == 1 })

	queued, err := d.Dispatch(context.Background(), dispatch.Request{Agent: "shell", Prompt: "do it"})
	if err != nil {
		t.Fatalf("dispatch queued: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if r := queued.Result(); r.Status != "cancelled" {
		t.Fatalf("expected queued dispatch cancelled, got %s", r.Status)
	}
	if r := running.Result(); r.Status != "cancelled" && r.Status != "failed" {
		t.Fatalf("expected running dispatch terminated by shutdown, got %s", r.Status)
	}

	if _, err := d.Dispatch(context.Background(), dispatch.Request{Agent: "shell", Prompt: "do it"}); err != dispatch.ErrShuttingDown {
		t.Fatalf("expected ErrShuttingDown after shutdown, got %v", err)
	}
}
