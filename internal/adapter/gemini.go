package adapter

import (
	"context"
	"os"
	"strings"

	"github.com/basket/substrate/internal/dispatch"
)

// Gemini drives Google's `gemini` CLI in non-interactive prompt mode.
// It is typically configured as the last link in a fallback chain since
// its subscription quota tends to be the most generous of the three.
type Gemini struct {
	base
	Binary string
}

// NewGemini constructs a Gemini adapter. binary overrides the CLI name;
// pass "" for the default "gemini".
func NewGemini(binary string) *Gemini {
	if strings.TrimSpace(binary) == "" {
		binary = "gemini"
	}
	return &Gemini{base: newBase(binary), Binary: binary}
}

func (a *Gemini) BuildCommand(ctx context.Context, prompt string, opts dispatch.BuildOptions) (dispatch.Command, error) {
	if err := a.checkPrompt(prompt); err != nil {
		return dispatch.Command{}, err
	}

	args := []string{"--prompt", prompt}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}

	return dispatch.Command{
		Binary: a.Binary,
		Args:   args,
		Cwd:    opts.WorktreePath,
		Env:    os.Environ(),
	}, nil
}

func (a *Gemini) ParseOutput(stdout, stderr string, exitCode int) dispatch.Outcome {
	return dispatch.Outcome{
		Success:  exitCode == 0,
		Output:   stdout,
		ExitCode: exitCode,
	}
}

func (a *Gemini) EstimateTokens(prompt string) dispatch.TokenEstimate {
	in := estimateFromLength(prompt)
	return dispatch.TokenEstimate{Input: in, Total: in}
}

func (a *Gemini) Capabilities() dispatch.Capabilities {
	return dispatch.Capabilities{
		SupportsStructuredOutput: true,
		SupportsHeadless:         true,
		Models:                   []string{"gemini-2.5-pro", "gemini-2.5-flash"},
	}
}
