package wasm

import (
	"context"
	"fmt"
	"io"

	"github.com/basket/substrate/internal/dispatch"
)

// Executor adapts a Host to dispatch.SandboxExecutor: the dispatcher's
// Command.Binary names the module to invoke and Command.Args[0] carries
// the prompt, mirroring how BuildCommand packs it for a WASMSkill
// adapter rather than the argv of a real subprocess.
type Executor struct {
	host *Host
}

// NewExecutor wraps host for use as a dispatch sandbox.
func NewExecutor(host *Host) *Executor {
	return &Executor{host: host}
}

// Mode implements dispatch.SandboxExecutor.
func (e *Executor) Mode() string { return dispatch.SandboxModeWASM }

// Run implements dispatch.SandboxExecutor.
func (e *Executor) Run(ctx context.Context, cmd dispatch.Command, stdout, _ io.Writer) (int, error) {
	var prompt string
	if len(cmd.Args) > 0 {
		prompt = cmd.Args[0]
	}
	out, err := e.host.Invoke(ctx, cmd.Binary, prompt)
	if err != nil {
		return -1, fmt.Errorf("sandbox/wasm: invoke %s: %w", cmd.Binary, err)
	}
	if _, err := io.WriteString(stdout, out); err != nil {
		return -1, fmt.Errorf("sandbox/wasm: write output: %w", err)
	}
	return 0, nil
}
