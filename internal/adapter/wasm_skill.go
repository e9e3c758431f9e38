package adapter

import (
	"context"

	"github.com/basket/substrate/internal/dispatch"
)

// WASMSkill is an Adapter backed by a compiled WASM module instead of a
// native CLI binary, for agents distributed as portable .wasm skills.
// Its Capabilities report WASMModule, so the dispatcher runs it through
// the registered WASM sandbox instead of os/exec.
type WASMSkill struct {
	ModuleName string
	Models     []string
}

// NewWASMSkill constructs a WASMSkill adapter for the named module. The
// module must already be loaded into the WASM sandbox host registered
// with the dispatcher under dispatch.SandboxModeWASM.
func NewWASMSkill(moduleName string, models []string) *WASMSkill {
	return &WASMSkill{ModuleName: moduleName, Models: models}
}

// BuildCommand packs the prompt as a single argument; the WASM sandbox
// executor reads Binary as the module name and Args[0] as the prompt
// rather than spawning anything through os/exec.
func (a *WASMSkill) BuildCommand(_ context.Context, prompt string, _ dispatch.BuildOptions) (dispatch.Command, error) {
	return dispatch.Command{Binary: a.ModuleName, Args: []string{prompt}}, nil
}

func (a *WASMSkill) ParseOutput(stdout, _ string, exitCode int) dispatch.Outcome {
	return dispatch.Outcome{Success: exitCode == 0, Output: stdout, ExitCode: exitCode}
}

func (a *WASMSkill) EstimateTokens(prompt string) dispatch.TokenEstimate {
	in := estimateFromLength(prompt)
	return dispatch.TokenEstimate{Input: in, Total: in}
}

func (a *WASMSkill) Capabilities() dispatch.Capabilities {
	return dispatch.Capabilities{
		SupportsHeadless: true,
		Models:           a.Models,
		WASMModule:       a.ModuleName,
	}
}

func (a *WASMSkill) HealthCheck(_ context.Context) dispatch.Health {
	return dispatch.Health{Healthy: true, SupportsHeadless: true}
}
