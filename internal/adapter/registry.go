package adapter

import "github.com/basket/substrate/internal/dispatch"

// RegisterDefaults registers the claude/codex/gemini adapters on d under
// their canonical agent names. binaries overrides individual CLI binary
// names, keyed by agent name; a nil or missing entry uses the adapter's
// own default binary name.
func RegisterDefaults(d *dispatch.Dispatcher, binaries map[string]string) {
	d.RegisterAdapter("claude", NewClaude(binaries["claude"]))
	d.RegisterAdapter("codex", NewCodex(binaries["codex"]))
	d.RegisterAdapter("gemini", NewGemini(binaries["gemini"]))
}
