package dispatch

import (
	"context"
	"io"
)

// Sandbox mode names an adapter's Capabilities can request instead of a
// bare OS subprocess.
const (
	SandboxModeContainer = "container"
	SandboxModeWASM      = "wasm"
)

// SandboxExecutor runs a built Command in an isolated environment.
// run() looks up the executor registered for an adapter's requested mode
// and falls back to a native subprocess when none is registered for that
// mode, so a sandbox is always opt-in per adapter and per process.
type SandboxExecutor interface {
	Mode() string
	Run(ctx context.Context, cmd Command, stdout, stderr io.Writer) (exitCode int, err error)
}

// sandboxMode reports which sandbox, if any, an adapter's capabilities
// request. RequiresContainer takes priority since it is the stricter
// isolation guarantee when an adapter (unusually) sets both.
func (c Capabilities) sandboxMode() string {
	switch {
	case c.RequiresContainer:
		return SandboxModeContainer
	case c.WASMModule != "":
		return SandboxModeWASM
	default:
		return ""
	}
}
