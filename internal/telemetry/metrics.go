package telemetry

import "go.opentelemetry.io/otel/metric"

// Metrics holds every metric instrument this process reports.
type Metrics struct {
	TaskDuration     metric.Float64Histogram
	TasksActive      metric.Int64UpDownCounter
	TokensUsed       metric.Int64Counter
	WorktreeOps      metric.Int64Counter
	RateLimitRejects metric.Int64Counter
	CostUSD          metric.Float64Counter
	SavingsUSD       metric.Float64Counter
}

// NewMetrics creates all instruments from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDuration, err = meter.Float64Histogram("substrate.task.duration",
		metric.WithDescription("Task dispatch duration, start to terminal, in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksActive, err = meter.Int64UpDownCounter("substrate.task.active",
		metric.WithDescription("Number of tasks currently dispatched to a subprocess"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("substrate.tokens",
		metric.WithDescription("Total input and output tokens consumed"),
	)
	if err != nil {
		return nil, err
	}

	m.WorktreeOps, err = meter.Int64Counter("substrate.worktree.operations",
		metric.WithDescription("Worktree operations performed, by kind (create/merge/remove)"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("substrate.ratelimit.rejects",
		metric.WithDescription("Routing decisions that skipped a provider because its rate window was exhausted"),
	)
	if err != nil {
		return nil, err
	}

	m.CostUSD, err = meter.Float64Counter("substrate.cost.usd",
		metric.WithDescription("Billed API cost in USD"),
		metric.WithUnit("{usd}"),
	)
	if err != nil {
		return nil, err
	}

	m.SavingsUSD, err = meter.Float64Counter("substrate.cost.savings_usd",
		metric.WithDescription("Estimated savings in USD from subscription routing over equivalent API billing"),
		metric.WithUnit("{usd}"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
