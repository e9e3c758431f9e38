package adapter

import (
	"context"
	"os"
	"strings"

	"github.com/basket/substrate/internal/dispatch"
)

// Codex drives OpenAI's `codex` CLI in non-interactive exec mode.
type Codex struct {
	base
	Binary string
}

// NewCodex constructs a Codex adapter. binary overrides the CLI name;
// pass "" for the default "codex".
func NewCodex(binary string) *Codex {
	if strings.TrimSpace(binary) == "" {
		binary = "codex"
	}
	return &Codex{base: newBase(binary), Binary: binary}
}

func (a *Codex) BuildCommand(ctx context.Context, prompt string, opts dispatch.BuildOptions) (dispatch.Command, error) {
	if err := a.checkPrompt(prompt); err != nil {
		return dispatch.Command{}, err
	}

	args := []string{"exec", "--skip-git-repo-check"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	args = append(args, prompt)

	return dispatch.Command{
		Binary: a.Binary,
		Args:   args,
		Cwd:    opts.WorktreePath,
		Env:    os.Environ(),
	}, nil
}

func (a *Codex) ParseOutput(stdout, stderr string, exitCode int) dispatch.Outcome {
	return dispatch.Outcome{
		Success:  exitCode == 0,
		Output:   stdout,
		ExitCode: exitCode,
	}
}

func (a *Codex) EstimateTokens(prompt string) dispatch.TokenEstimate {
	in := estimateFromLength(prompt)
	return dispatch.TokenEstimate{Input: in, Total: in}
}

func (a *Codex) Capabilities() dispatch.Capabilities {
	return dispatch.Capabilities{
		SupportsStructuredOutput: true,
		SupportsHeadless:         true,
		Models:                   []string{"gpt-5-codex", "o4-mini"},
	}
}
