package telemetry_test

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/basket/substrate/internal/bus"
	"github.com/basket/substrate/internal/telemetry"
)

func newTestRecorder(t *testing.T) (*telemetry.Recorder, *bus.Bus, *metric.ManualReader) {
	t.Helper()
	reader := metric.NewManualReader()
	provider := metric.NewMeterProvider(metric.WithReader(reader))
	m, err := telemetry.NewMetrics(provider.Meter(telemetry.MeterName))
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	b := bus.New(nil)
	r := telemetry.NewRecorder(telemetry.RecorderConfig{Metrics: m, Bus: b})
	return r, b, reader
}

func collect(t *testing.T, reader *metric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

func TestTaskDurationRecordedOnTerminal(t *testing.T) {
	_, b, reader := newTestRecorder(t)

	b.Publish(bus.TopicTaskStarted, bus.TaskStarted{SessionID: "s", TaskID: "a", Agent: "claude"})
	b.Publish(bus.TopicTaskComplete, bus.TaskTerminal{SessionID: "s", TaskID: "a", Status: "completed", InputTokens: 100, OutputTokens: 50})

	rm := collect(t, reader)
	if _, ok := findMetric(rm, "substrate.task.duration"); !ok {
		t.Fatal("expected substrate.task.duration to be recorded")
	}
	tokens, ok := findMetric(rm, "substrate.tokens")
	if !ok {
		t.Fatal("expected substrate.tokens to be recorded")
	}
	sum, ok := tokens.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) == 0 || sum.DataPoints[0].Value != 150 {
		t.Fatalf("expected 150 tokens recorded, got %+v", tokens.Data)
	}
}

func TestUnstartedTerminalRecordsNothing(t *testing.T) {
	_, b, reader := newTestRecorder(t)

	// No task:started published — the duration histogram has no start
	// time to measure from, so the terminal event is ignored for metrics.
	b.Publish(bus.TopicTaskFailed, bus.TaskTerminal{SessionID: "s", TaskID: "a", Status: "failed"})

	rm := collect(t, reader)
	if _, ok := findMetric(rm, "substrate.task.duration"); ok {
		d, _ := findMetric(rm, "substrate.task.duration")
		if hist, ok := d.Data.(metricdata.Histogram[float64]); ok && len(hist.DataPoints) > 0 && hist.DataPoints[0].Count > 0 {
			t.Fatal("expected no duration sample for a task that never started")
		}
	}
}

func TestCostRecordedIncrementsCounters(t *testing.T) {
	_, b, reader := newTestRecorder(t)

	b.Publish(bus.TopicCostRecorded, bus.CostRecorded{SessionID: "s", TaskID: "a", CostUSD: 1.5, SavingsUSD: 0})
	b.Publish(bus.TopicCostRecorded, bus.CostRecorded{SessionID: "s", TaskID: "b", CostUSD: 0, SavingsUSD: 2.0})

	rm := collect(t, reader)
	cost, ok := findMetric(rm, "substrate.cost.usd")
	if !ok {
		t.Fatal("expected substrate.cost.usd to be recorded")
	}
	sum, ok := cost.Data.(metricdata.Sum[float64])
	if !ok || len(sum.DataPoints) == 0 || sum.DataPoints[0].Value != 1.5 {
		t.Fatalf("expected cost sum of 1.5, got %+v", cost.Data)
	}

	savings, ok := findMetric(rm, "substrate.cost.savings_usd")
	if !ok {
		t.Fatal("expected substrate.cost.savings_usd to be recorded")
	}
	savingsSum, ok := savings.Data.(metricdata.Sum[float64])
	if !ok || len(savingsSum.DataPoints) == 0 || savingsSum.DataPoints[0].Value != 2.0 {
		t.Fatalf("expected savings sum of 2.0, got %+v", savings.Data)
	}
}

func TestWorktreeOperationsCountedByKind(t *testing.T) {
	_, b, reader := newTestRecorder(t)

	b.Publish(bus.TopicWorktreeCreated, bus.WorktreeCreated{SessionID: "s", TaskID: "a"})
	b.Publish(bus.TopicWorktreeMerged, bus.WorktreeMerged{SessionID: "s", TaskID: "a"})

	rm := collect(t, reader)
	ops, ok := findMetric(rm, "substrate.worktree.operations")
	if !ok {
		t.Fatal("expected substrate.worktree.operations to be recorded")
	}
	sum, ok := ops.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) != 2 {
		t.Fatalf("expected 2 distinct op-kind data points, got %+v", ops.Data)
	}
}
