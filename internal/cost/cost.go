// Package cost implements the C10 cost tracker: it caches each task's
// routing decision, and on that task's terminal event records a billed
// outcome — zero cost and a computed savings figure for subscription
// routing, a computed API cost for API billing, nothing at all when no
// provider was ever available.
package cost

import (
	"context"
	"log/slog"
	"sync"

	"github.com/basket/substrate/internal/bus"
	"github.com/basket/substrate/internal/pricing"
	"github.com/basket/substrate/internal/store"
)

// Tracker subscribes to task:routed and the three terminal topics.
type Tracker struct {
	mu        sync.Mutex
	decisions map[string]bus.TaskRouted // taskID -> cached routing decision

	store  *store.Store
	bus    *bus.Bus
	logger *slog.Logger
}

// Config configures a Tracker.
type Config struct {
	Store  *store.Store
	Bus    *bus.Bus
	Logger *slog.Logger
}

// New constructs a Tracker and subscribes it to task:routed and the
// terminal topics.
func New(cfg Config) *Tracker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	t := &Tracker{
		decisions: make(map[string]bus.TaskRouted),
		store:     cfg.Store,
		bus:       cfg.Bus,
		logger:    cfg.Logger,
	}
	if cfg.Bus != nil {
		cfg.Bus.Subscribe(bus.TopicTaskRouted, t.onTaskRouted)
		cfg.Bus.Subscribe(bus.TopicTaskComplete, t.onTerminal)
		cfg.Bus.Subscribe(bus.TopicTaskFailed, t.onTerminal)
		cfg.Bus.Subscribe(bus.TopicTaskCancelled, t.onTerminal)
	}
	return t
}

func (t *Tracker) onTaskRouted(ev bus.Event) {
	routed, ok := ev.Payload.(bus.TaskRouted)
	if !ok || routed.Agent == "" {
		return
	}
	t.mu.Lock()
	t.decisions[routed.TaskID] = routed
	t.mu.Unlock()
}

func (t *Tracker) onTerminal(ev bus.Event) {
	terminal, ok := ev.Payload.(bus.TaskTerminal)
	if !ok {
		return
	}
	t.mu.Lock()
	routed, found := t.decisions[terminal.TaskID]
	delete(t.decisions, terminal.TaskID)
	t.mu.Unlock()
	if !found || routed.BillingMode == "" {
		return
	}

	inputTokens, outputTokens := splitTokens(terminal.InputTokens, terminal.OutputTokens)

	entry := store.CostEntry{
		SessionID:    terminal.SessionID,
		TaskID:       terminal.TaskID,
		Agent:        routed.Agent,
		Provider:     routed.Agent,
		Model:        routed.Model,
		BillingMode:  routed.BillingMode,
		TokensInput:  inputTokens,
		TokensOutput: outputTokens,
	}
	switch routed.BillingMode {
	case "subscription":
		entry.CostUSD = 0
		entry.SavingsUSD = pricing.EstimateCost(routed.Model, inputTokens, outputTokens)
	case "api":
		entry.CostUSD = pricing.EstimateCost(routed.Model, inputTokens, outputTokens)
		entry.SavingsUSD = 0
	default:
		return
	}

	if _, err := t.store.RecordCostEntry(context.Background(), entry); err != nil {
		t.logger.Error("cost: record entry failed", "task_id", terminal.TaskID, "error", err)
		return
	}
	if t.bus != nil {
		t.bus.Publish(bus.TopicCostRecorded, bus.CostRecorded{
			SessionID: entry.SessionID, TaskID: entry.TaskID, Agent: entry.Agent,
			Provider: entry.Provider, Model: entry.Model, BillingMode: entry.BillingMode,
			CostUSD: entry.CostUSD, SavingsUSD: entry.SavingsUSD,
		})
	}
}

// splitTokens returns input/output counts to bill. Dispatch adapters in
// this module always report both separately, but a combined total
// stuffed into InputTokens with OutputTokens left at zero falls back to
// a 25% input / 75% output split.
func splitTokens(input, output int) (in, out int) {
	if output > 0 || input == 0 {
		return input, output
	}
	in = input / 4
	return in, input - in
}

// SessionSummary returns the total billed cost and savings for a session.
func (t *Tracker) SessionSummary(ctx context.Context, sessionID string) (store.SessionCostSummary, error) {
	return t.store.SumCostBySession(ctx, sessionID)
}

// AgentSummary returns per-agent cost and savings aggregates for a session.
func (t *Tracker) AgentSummary(ctx context.Context, sessionID string) ([]store.AgentCostSummary, error) {
	return t.store.SumCostByAgent(ctx, sessionID)
}

// TaskEntries returns every cost entry recorded for one task.
func (t *Tracker) TaskEntries(ctx context.Context, sessionID, taskID string) ([]store.CostEntry, error) {
	return t.store.ListCostEntriesForTask(ctx, sessionID, taskID)
}
