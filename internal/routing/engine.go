package routing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/substrate/internal/audit"
	"github.com/basket/substrate/internal/bus"
	"github.com/basket/substrate/internal/dispatch"
)

// providerWindow tracks one provider's discrete rate-limit window.
type providerWindow struct {
	used        int
	windowStart time.Time
	exhausted   bool // true once an unavailable event has fired for this window
}

// Decision is the outcome of routing one ready task (spec.md §4.5's
// RoutingDecision), always carrying the chain actually consulted and a
// human-readable rationale for audit.
type Decision struct {
	Agent         string
	BillingMode   string // "subscription" | "api" | ""
	Model         string
	Available     bool
	FallbackChain []string
	Rationale     string
}

// Engine is the C5 routing engine: a hot-reloadable policy plus
// per-provider rate-window state.
type Engine struct {
	mu         sync.RWMutex
	policy     *Policy
	windows    map[string]*providerWindow
	decisions  map[string]Decision // taskID -> decision, cached between task:routed and task:complete
	policyPath string

	bus       *bus.Bus
	store     taskLookup
	estimator TokenEstimator
	logger    *slog.Logger
}

// taskLookup is the minimal store surface the engine needs to resolve a
// task's type for task-type-specific routing, and its prompt to
// estimate token cost before admitting it against a rate window. Kept
// narrow so routing does not import the full store package surface.
type taskLookup interface {
	TaskType(ctx context.Context, sessionID, taskID string) string
	TaskPrompt(ctx context.Context, sessionID, taskID string) string
}

// TokenEstimator asks the adapter registered for agent to estimate a
// prompt's token cost. ok is false if agent has no registered adapter.
// Satisfied by *dispatch.Dispatcher.
type TokenEstimator interface {
	EstimateTokens(agent, prompt string) (dispatch.TokenEstimate, bool)
}

// Config configures an Engine.
type Config struct {
	Policy     *Policy
	PolicyPath string
	Store      taskLookup
	Estimator  TokenEstimator
	Bus        *bus.Bus
	Logger     *slog.Logger
}

// New constructs an Engine from an already-loaded policy and subscribes
// it to task:ready (route) and task:complete (update rate usage).
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	e := &Engine{
		policy:     cfg.Policy,
		policyPath: cfg.PolicyPath,
		windows:    make(map[string]*providerWindow),
		decisions:  make(map[string]Decision),
		bus:        cfg.Bus,
		store:      cfg.Store,
		estimator:  cfg.Estimator,
		logger:     cfg.Logger,
	}
	if cfg.Bus != nil {
		cfg.Bus.Subscribe(bus.TopicTaskReady, e.onTaskReady)
		cfg.Bus.Subscribe(bus.TopicTaskComplete, e.onTaskComplete)
	}
	return e
}

func (e *Engine) snapshot() *Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy
}

// ReloadPolicy re-reads the policy file and replaces the in-memory
// policy atomically. Active decisions are unaffected; future route
// calls use the new policy. On error the previous policy remains
// active.
func (e *Engine) ReloadPolicy() error {
	if e.policyPath == "" {
		return fmt.Errorf("routing: reload: no policy path configured")
	}
	p, err := LoadPolicy(e.policyPath)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()
	return nil
}

// CheckRateLimit reports whether estimate additional tokens fit within
// provider's current window, without mutating state.
func (e *Engine) CheckRateLimit(provider string, estimate int) bool {
	policy := e.snapshot()
	pp, ok := policy.Providers[provider]
	if !ok || pp.RateLimit == nil {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	w := e.windowFor(provider, pp)
	return w.used+estimate <= pp.RateLimit.TokensPerWindow
}

// UpdateRateLimit adds tokensUsed to provider's current window,
// resetting the window first if it has lapsed.
func (e *Engine) UpdateRateLimit(provider string, tokensUsed int) {
	policy := e.snapshot()
	pp, ok := policy.Providers[provider]
	if !ok || pp.RateLimit == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	w := e.windowFor(provider, pp)
	w.used += tokensUsed
}

// windowFor returns provider's window, lazily resetting it if the
// configured window has elapsed. Caller must hold e.mu.
func (e *Engine) windowFor(provider string, pp ProviderPolicy) *providerWindow {
	w, ok := e.windows[provider]
	if !ok {
		w = &providerWindow{windowStart: time.Now()}
		e.windows[provider] = w
	}
	if pp.RateLimit != nil {
		windowLen := time.Duration(pp.RateLimit.WindowSeconds) * time.Second
		if time.Since(w.windowStart) >= windowLen {
			w.used = 0
			w.windowStart = time.Now()
			w.exhausted = false
		}
	}
	return w
}

// ResetExpiredWindows forces a lazy-reset check across every provider
// known to the current policy, not just ones a route or update happens
// to touch. Route/CheckRateLimit/UpdateRateLimit already reset a
// provider's window lazily on next access, so this is a convenience
// sweep for the periodic maintenance tick: it keeps a provider's
// exhausted state from outliving its window when that provider simply
// has not been routed to in a while (e.g. every candidate in its
// fallback chain is healthier), which otherwise would leave external
// status queries reporting a stale unavailable provider.
func (e *Engine) ResetExpiredWindows() int {
	policy := e.snapshot()
	e.mu.Lock()
	defer e.mu.Unlock()
	reset := 0
	for provider, pp := range policy.Providers {
		if pp.RateLimit == nil {
			continue
		}
		w, ok := e.windows[provider]
		if !ok {
			continue
		}
		windowLen := time.Duration(pp.RateLimit.WindowSeconds) * time.Second
		if time.Since(w.windowStart) >= windowLen {
			e.windowFor(provider, pp)
			reset++
		}
	}
	return reset
}

// Route selects an agent and billing mode for one task, per spec.md
// §4.5's subscription-first algorithm. estimate is the adapter-supplied
// token estimate for the dispatch about to happen.
func (e *Engine) Route(sessionID, taskID, taskType string, estimate int) Decision {
	policy := e.snapshot()
	candidates := policy.candidatesFor(taskType)
	modelFor := func(agent string) string {
		if taskType == "" {
			return ""
		}
		return policy.TaskTypes[taskType].ModelPreferences[agent]
	}

	var tried []string
	for _, agent := range candidates {
		pp, ok := policy.Providers[agent]
		if !ok || !pp.Enabled {
			continue
		}
		tried = append(tried, agent)

		if pp.SubscriptionRouting {
			e.mu.Lock()
			w := e.windowFor(agent, pp)
			fits := pp.RateLimit == nil || w.used+estimate <= pp.RateLimit.TokensPerWindow
			if fits {
				e.mu.Unlock()
				return Decision{
					Agent: agent, BillingMode: "subscription", Model: modelFor(agent), Available: true,
					FallbackChain: tried,
					Rationale:     fmt.Sprintf("selected %s via subscription routing", agent),
				}
			}
			alreadyFired := w.exhausted
			w.exhausted = true
			resetAt := w.windowStart.Add(time.Duration(pp.RateLimit.WindowSeconds) * time.Second)
			e.mu.Unlock()
			if !alreadyFired && e.bus != nil {
				e.bus.Publish(bus.TopicProviderUnavailable, bus.ProviderUnavailable{
					Provider: agent, Reason: "rate_limit", ResetAt: resetAt,
				})
			}
		}

		if pp.APIBillingConfig != nil && pp.APIBillingConfig.Enabled && apiKeyPresent(pp.APIBillingConfig.APIKeyEnv) {
			return Decision{
				Agent: agent, BillingMode: "api", Model: modelFor(agent), Available: true,
				FallbackChain: tried,
				Rationale:     fmt.Sprintf("selected %s via API billing (subscription unavailable or disabled)", agent),
			}
		}
	}

	return Decision{
		Available:     false,
		FallbackChain: tried,
		Rationale:     fmt.Sprintf("no candidate available; tried %v", tried),
	}
}

// estimateTokens returns the token cost to weigh against a provider's
// rate window before Route runs, using whichever of taskType's
// candidate agents has a registered adapter. Returns 0 (no admission
// pressure) if no estimator is wired or no candidate can estimate.
func (e *Engine) estimateTokens(taskType, prompt string) int {
	if e.estimator == nil || prompt == "" {
		return 0
	}
	policy := e.snapshot()
	for _, agent := range policy.candidatesFor(taskType) {
		if te, ok := e.estimator.EstimateTokens(agent, prompt); ok {
			return te.Total
		}
	}
	return 0
}

func (e *Engine) onTaskReady(ev bus.Event) {
	ready, ok := ev.Payload.(bus.TaskReady)
	if !ok {
		return
	}
	taskType := ""
	prompt := ""
	if e.store != nil {
		taskType = e.store.TaskType(context.Background(), ready.SessionID, ready.TaskID)
		prompt = e.store.TaskPrompt(context.Background(), ready.SessionID, ready.TaskID)
	}
	estimate := e.estimateTokens(taskType, prompt)
	decision := e.Route(ready.SessionID, ready.TaskID, taskType, estimate)
	audit.RecordRouting(ready.SessionID, ready.TaskID, decision.Agent, decision.BillingMode, decision.Available, decision.FallbackChain, decision.Rationale)
	if decision.Available {
		e.mu.Lock()
		e.decisions[ready.TaskID] = decision
		e.mu.Unlock()
	}
	if e.bus == nil {
		return
	}
	routed := bus.TaskRouted{
		SessionID: ready.SessionID,
		TaskID:    ready.TaskID,
		Rationale: decision.Rationale,
	}
	if decision.Available {
		routed.Agent = decision.Agent
		routed.BillingMode = decision.BillingMode
		routed.Model = decision.Model
	}
	routed.FallbackChain = decision.FallbackChain
	e.bus.Publish(bus.TopicTaskRouted, routed)
}

func (e *Engine) onTaskComplete(ev bus.Event) {
	terminal, ok := ev.Payload.(bus.TaskTerminal)
	if !ok {
		return
	}
	e.mu.Lock()
	decision, found := e.decisions[terminal.TaskID]
	delete(e.decisions, terminal.TaskID)
	e.mu.Unlock()
	if !found || decision.BillingMode != "subscription" {
		return
	}
	e.UpdateRateLimit(decision.Agent, terminal.InputTokens+terminal.OutputTokens)
}
