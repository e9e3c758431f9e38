// Package adapter provides concrete dispatch.Adapter implementations for
// the AI coding agents this orchestrator can route work to. Each Adapter
// only knows how to build one agent's subprocess command line and parse
// its output; it never talks to the agent's API directly — that happens
// inside the subprocess the dispatcher spawns.
package adapter

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/basket/substrate/internal/dispatch"
	"github.com/basket/substrate/internal/safety"
)

// base holds the behavior shared by every concrete Adapter: prompt
// sanitization before a command is built, and a binary health check.
type base struct {
	binary    string
	sanitizer *safety.Sanitizer
}

func newBase(binary string) base {
	return base{binary: binary, sanitizer: safety.NewSanitizer()}
}

// checkPrompt rejects prompts carrying a prompt-injection pattern before
// they ever reach an agent subprocess. Warn-level findings are allowed
// through; only Block-level findings stop the dispatch.
func (b base) checkPrompt(prompt string) error {
	if b.sanitizer == nil {
		return nil
	}
	if err := b.sanitizer.Check(prompt).MustAllow(); err != nil {
		return fmt.Errorf("prompt rejected: %w", err)
	}
	return nil
}

// HealthCheck reports whether the agent's CLI binary is on PATH and
// responds to a --version probe. It never blocks dispatch on its own —
// callers decide what to do with an unhealthy adapter.
func (b base) HealthCheck(ctx context.Context) dispatch.Health {
	path, err := exec.LookPath(b.binary)
	if err != nil {
		return dispatch.Health{Healthy: false}
	}
	cmd := exec.CommandContext(ctx, path, "--version")
	if err := cmd.Run(); err != nil {
		return dispatch.Health{Healthy: false}
	}
	return dispatch.Health{Healthy: true, SupportsHeadless: true}
}

// envOrDefault returns the named environment variable, falling back to
// def when unset or blank.
func envOrDefault(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return def
}

// estimateFromLength is the shared ceil(len/4) token heuristic used by
// every adapter for rate-limit accounting; it is never used for billing.
func estimateFromLength(s string) int {
	n := len(s)
	if n <= 0 {
		return 0
	}
	return (n + 3) / 4
}
