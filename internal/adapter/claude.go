package adapter

import (
	"context"
	"os"
	"strings"

	"github.com/basket/substrate/internal/dispatch"
)

// Claude drives the `claude` CLI in headless print mode. It supports both
// the Claude subscription plan and pay-per-token API billing, selected by
// which credential env vars are present.
type Claude struct {
	base
	Binary string // defaults to "claude"
}

// NewClaude constructs a Claude adapter. binary overrides the CLI name
// used to invoke the agent; pass "" for the default.
func NewClaude(binary string) *Claude {
	if strings.TrimSpace(binary) == "" {
		binary = "claude"
	}
	return &Claude{base: newBase(binary), Binary: binary}
}

func (a *Claude) BuildCommand(ctx context.Context, prompt string, opts dispatch.BuildOptions) (dispatch.Command, error) {
	if err := a.checkPrompt(prompt); err != nil {
		return dispatch.Command{}, err
	}

	args := []string{"--print", "--output-format", "text"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	args = append(args, prompt)

	env := os.Environ()
	if opts.BillingMode == "subscription" {
		env = append(env, "CLAUDE_CODE_USE_BEDROCK=0")
	}

	return dispatch.Command{
		Binary: a.Binary,
		Args:   args,
		Cwd:    opts.WorktreePath,
		Env:    env,
	}, nil
}

func (a *Claude) ParseOutput(stdout, stderr string, exitCode int) dispatch.Outcome {
	return dispatch.Outcome{
		Success:  exitCode == 0,
		Output:   stdout,
		ExitCode: exitCode,
	}
}

func (a *Claude) EstimateTokens(prompt string) dispatch.TokenEstimate {
	in := estimateFromLength(prompt)
	return dispatch.TokenEstimate{Input: in, Total: in}
}

func (a *Claude) Capabilities() dispatch.Capabilities {
	return dispatch.Capabilities{
		SupportsStructuredOutput: true,
		SupportsHeadless:         true,
		Models:                   []string{"claude-opus-4-1", "claude-sonnet-4-5", "claude-haiku-4-5"},
	}
}
