// Package eventstream mirrors the run's bus events to an external
// consumer: one NDJSON line per event on stdout, and, when stdout is
// attached to a terminal, a second human-readable line per event on
// stderr so a person watching the run directly still gets something
// readable instead of raw JSON.
package eventstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/basket/substrate/internal/bus"
	"github.com/basket/substrate/internal/shared"
)

// line is the fixed NDJSON envelope for every mirrored event.
type line struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id"`
	Topic     string `json:"topic"`
	Payload   any    `json:"payload"`
}

// Stream subscribes to the bus and writes one NDJSON line per event to
// Out. When Human is non-nil it also writes a one-line plain-text
// summary per event there.
type Stream struct {
	out     io.Writer
	human   io.Writer
	traceID string
	mu      sync.Mutex
}

// New constructs a Stream writing NDJSON to out, stamped with traceID
// (see shared.NewTraceID); pass "" to fall back to the unset sentinel.
// human receives a parallel human-readable summary; pass nil to
// disable it.
func New(out, human io.Writer, traceID string) *Stream {
	if traceID == "" {
		traceID = shared.TraceID(context.Background())
	}
	return &Stream{out: out, human: human, traceID: traceID}
}

// Subscribe registers the stream against every topic worth surfacing to
// an external consumer of the run.
func (s *Stream) Subscribe(b *bus.Bus) {
	if b == nil {
		return
	}
	b.Subscribe(bus.TopicTaskReady, s.mirror)
	b.Subscribe(bus.TopicTaskRouted, s.mirror)
	b.Subscribe(bus.TopicTaskStarted, s.mirror)
	b.Subscribe(bus.TopicTaskComplete, s.mirror)
	b.Subscribe(bus.TopicTaskFailed, s.mirror)
	b.Subscribe(bus.TopicTaskCancelled, s.mirror)
	b.Subscribe(bus.TopicWorktreeCreated, s.mirror)
	b.Subscribe(bus.TopicWorktreeMerged, s.mirror)
	b.Subscribe(bus.TopicWorktreeConflict, s.mirror)
	b.Subscribe(bus.TopicWorktreeRemoved, s.mirror)
	b.Subscribe(bus.TopicProviderUnavailable, s.mirror)
	b.Subscribe(bus.TopicCostRecorded, s.mirror)
	b.Subscribe(bus.TopicOrchestratorStateChange, s.mirror)
	b.Subscribe(bus.TopicGraphComplete, s.mirror)
}

func (s *Stream) mirror(ev bus.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.out != nil {
		data, err := json.Marshal(line{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			TraceID:   s.traceID,
			Topic:     string(ev.Topic),
			Payload:   ev.Payload,
		})
		if err == nil {
			_, _ = s.out.Write(append(data, '\n'))
		}
	}
	if s.human != nil {
		fmt.Fprintln(s.human, humanize(ev))
	}
}

func humanize(ev bus.Event) string {
	switch p := ev.Payload.(type) {
	case bus.TaskReady:
		return fmt.Sprintf("[ready]      task=%s", p.TaskID)
	case bus.TaskRouted:
		return fmt.Sprintf("[routed]     task=%s agent=%s model=%s (%s)", p.TaskID, p.Agent, p.Model, p.Rationale)
	case bus.TaskStarted:
		return fmt.Sprintf("[started]    task=%s agent=%s worker=%s", p.TaskID, p.Agent, p.WorkerID)
	case bus.TaskTerminal:
		return fmt.Sprintf("[%s] task=%s exit=%d %s", p.Status, p.TaskID, p.ExitCode, p.Error)
	case bus.WorktreeCreated:
		return fmt.Sprintf("[worktree]   created task=%s branch=%s", p.TaskID, p.BranchName)
	case bus.WorktreeMerged:
		return fmt.Sprintf("[worktree]   merged task=%s into=%s files=%d", p.TaskID, p.TargetBranch, len(p.MergedFiles))
	case bus.WorktreeConflict:
		return fmt.Sprintf("[worktree]   conflict task=%s into=%s files=%d", p.TaskID, p.TargetBranch, len(p.Files))
	case bus.WorktreeRemoved:
		return fmt.Sprintf("[worktree]   removed task=%s", p.TaskID)
	case bus.ProviderUnavailable:
		return fmt.Sprintf("[provider]   %s unavailable: %s (resets %s)", p.Provider, p.Reason, p.ResetAt.Format(time.Kitchen))
	case bus.CostRecorded:
		return fmt.Sprintf("[cost]       task=%s %s/%s $%.4f (saved $%.4f)", p.TaskID, p.Agent, p.Model, p.CostUSD, p.SavingsUSD)
	case bus.OrchestratorStateChange:
		return fmt.Sprintf("[state]      %s -> %s", p.OldState, p.NewState)
	case bus.GraphComplete:
		return fmt.Sprintf("[complete]   total=%d completed=%d failed=%d", p.TotalTasks, p.CompletedTasks, p.FailedTasks)
	default:
		return fmt.Sprintf("[%s]", ev.Topic)
	}
}
