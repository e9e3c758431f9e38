package eventstream_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/basket/substrate/internal/bus"
	"github.com/basket/substrate/internal/eventstream"
)

func TestSubscribeWritesOneNDJSONLinePerEvent(t *testing.T) {
	var out bytes.Buffer
	b := bus.New(slog.Default())
	s := eventstream.New(&out, nil, "trace-xyz")
	s.Subscribe(b)

	b.Publish(bus.TopicTaskRouted, bus.TaskRouted{SessionID: "s1", TaskID: "t1", Agent: "claude", Model: "sonnet"})
	b.Publish(bus.TopicGraphComplete, bus.GraphComplete{SessionID: "s1", TotalTasks: 3, CompletedTasks: 3})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 NDJSON lines, got %d: %q", len(lines), out.String())
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first line: %v", err)
	}
	if first["topic"] != string(bus.TopicTaskRouted) {
		t.Fatalf("expected topic %s, got %v", bus.TopicTaskRouted, first["topic"])
	}
	if first["trace_id"] != "trace-xyz" {
		t.Fatalf("expected trace_id trace-xyz, got %v", first["trace_id"])
	}
	payload, ok := first["payload"].(map[string]any)
	if !ok {
		t.Fatalf("expected payload object, got %#v", first["payload"])
	}
	if payload["TaskID"] != "t1" {
		t.Fatalf("expected task_id t1, got %v", payload["TaskID"])
	}
}

func TestSubscribeMirrorsHumanReadableLineWhenConfigured(t *testing.T) {
	var out, human bytes.Buffer
	b := bus.New(slog.Default())
	s := eventstream.New(&out, &human, "")
	s.Subscribe(b)

	b.Publish(bus.TopicOrchestratorStateChange, bus.OrchestratorStateChange{SessionID: "s1", OldState: "idle", NewState: "running"})

	if !strings.Contains(human.String(), "idle -> running") {
		t.Fatalf("expected human mirror to contain state transition, got %q", human.String())
	}
	if out.Len() == 0 {
		t.Fatalf("expected NDJSON output even when human mirror is also configured")
	}
}

func TestSubscribeWithoutHumanWriterWritesNDJSONOnly(t *testing.T) {
	var out bytes.Buffer
	b := bus.New(slog.Default())
	s := eventstream.New(&out, nil, "")
	s.Subscribe(b)

	b.Publish(bus.TopicWorktreeCreated, bus.WorktreeCreated{SessionID: "s1", TaskID: "t1", BranchName: "task/t1"})

	if out.Len() == 0 {
		t.Fatalf("expected NDJSON output")
	}
}

func TestNewWithEmptyTraceIDFallsBackToDashSentinel(t *testing.T) {
	var out bytes.Buffer
	b := bus.New(slog.Default())
	s := eventstream.New(&out, nil, "")
	s.Subscribe(b)

	b.Publish(bus.TopicTaskReady, bus.TaskReady{SessionID: "s1", TaskID: "t1"})

	var entry map[string]any
	if err := json.Unmarshal(out.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal line: %v", err)
	}
	if entry["trace_id"] != "-" {
		t.Fatalf("expected trace_id='-' fallback, got %v", entry["trace_id"])
	}
}
