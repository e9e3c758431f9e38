package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/basket/substrate/internal/bus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Recorder subscribes to the event bus and drives the Metrics
// instruments from it, mirroring internal/execlog and internal/cost's
// shape of a component owning its own bus subscriptions.
type Recorder struct {
	metrics *Metrics

	mu      sync.Mutex
	started map[string]time.Time // taskID -> dispatch start, cleared on terminal
}

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	Metrics *Metrics
	Bus     *bus.Bus
}

// NewRecorder constructs a Recorder and subscribes it to the bus.
func NewRecorder(cfg RecorderConfig) *Recorder {
	r := &Recorder{
		metrics: cfg.Metrics,
		started: make(map[string]time.Time),
	}
	if cfg.Bus != nil && cfg.Metrics != nil {
		cfg.Bus.Subscribe(bus.TopicTaskStarted, r.onTaskStarted)
		cfg.Bus.Subscribe(bus.TopicTaskComplete, r.onTerminal)
		cfg.Bus.Subscribe(bus.TopicTaskFailed, r.onTerminal)
		cfg.Bus.Subscribe(bus.TopicTaskCancelled, r.onTerminal)
		cfg.Bus.Subscribe(bus.TopicProviderUnavailable, r.onProviderUnavailable)
		cfg.Bus.Subscribe(bus.TopicWorktreeCreated, r.onWorktreeOp)
		cfg.Bus.Subscribe(bus.TopicWorktreeMerged, r.onWorktreeOp)
		cfg.Bus.Subscribe(bus.TopicWorktreeRemoved, r.onWorktreeOp)
		cfg.Bus.Subscribe(bus.TopicCostRecorded, r.onCostRecorded)
	}
	return r
}

func (r *Recorder) onTaskStarted(ev bus.Event) {
	started, ok := ev.Payload.(bus.TaskStarted)
	if !ok {
		return
	}
	r.mu.Lock()
	r.started[started.TaskID] = time.Now()
	r.mu.Unlock()
	r.metrics.TasksActive.Add(context.Background(), 1)
}

func (r *Recorder) onTerminal(ev bus.Event) {
	terminal, ok := ev.Payload.(bus.TaskTerminal)
	if !ok {
		return
	}
	ctx := context.Background()
	r.mu.Lock()
	startedAt, found := r.started[terminal.TaskID]
	delete(r.started, terminal.TaskID)
	r.mu.Unlock()
	if !found {
		return
	}
	r.metrics.TasksActive.Add(ctx, -1)
	r.metrics.TaskDuration.Record(ctx, time.Since(startedAt).Seconds())
	if total := terminal.InputTokens + terminal.OutputTokens; total > 0 {
		r.metrics.TokensUsed.Add(ctx, int64(total))
	}
}

func (r *Recorder) onProviderUnavailable(ev bus.Event) {
	if _, ok := ev.Payload.(bus.ProviderUnavailable); !ok {
		return
	}
	r.metrics.RateLimitRejects.Add(context.Background(), 1)
}

func (r *Recorder) onWorktreeOp(ev bus.Event) {
	var kind string
	switch ev.Payload.(type) {
	case bus.WorktreeCreated:
		kind = "create"
	case bus.WorktreeMerged:
		kind = "merge"
	case bus.WorktreeRemoved:
		kind = "remove"
	default:
		return
	}
	r.metrics.WorktreeOps.Add(context.Background(), 1, metric.WithAttributes(attribute.String("op", kind)))
}

func (r *Recorder) onCostRecorded(ev bus.Event) {
	recorded, ok := ev.Payload.(bus.CostRecorded)
	if !ok {
		return
	}
	ctx := context.Background()
	if recorded.CostUSD > 0 {
		r.metrics.CostUSD.Add(ctx, recorded.CostUSD)
	}
	if recorded.SavingsUSD > 0 {
		r.metrics.SavingsUSD.Add(ctx, recorded.SavingsUSD)
	}
}
