package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRecordRoutingWritesAuditEntry(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	RecordRouting("sess-1", "task-1", "claude", "subscription", true, []string{"claude"}, "selected claude via subscription routing")
	RecordRouting("sess-1", "task-2", "", "", false, []string{"claude", "codex"}, "no candidate available; tried [claude codex]")

	path := filepath.Join(home, "logs", "audit.jsonl")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) < 2 {
		t.Fatalf("expected at least two audit entries, got %d", len(lines))
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first audit entry: %v", err)
	}
	if first["task_id"] != "task-1" {
		t.Fatalf("expected task_id task-1, got %#v", first["task_id"])
	}
	if first["agent"] != "claude" || first["billing_mode"] != "subscription" {
		t.Fatalf("expected agent/billing_mode to be recorded, got %#v", first)
	}
	if first["rationale"] == "" {
		t.Fatalf("expected non-empty rationale in audit entry: %#v", first)
	}
	var second map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("unmarshal second audit entry: %v", err)
	}
	if second["available"] != false {
		t.Fatalf("expected second entry to record available=false, got %#v", second["available"])
	}
}

func TestRecordRoutingCountsUnavailableDecisions(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	before := UnavailableCount()
	RecordRouting("sess-1", "task-1", "claude", "subscription", true, []string{"claude"}, "ok")
	RecordRouting("sess-1", "task-2", "", "", false, []string{"claude"}, "no candidate available")

	if got := UnavailableCount(); got != before+1 {
		t.Fatalf("expected unavailable count to increase by 1, got before=%d after=%d", before, got)
	}
}

func TestAuditAppendOnly(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	RecordRouting("sess-1", "task-1", "claude", "subscription", true, []string{"claude"}, "first")
	RecordRouting("sess-1", "task-2", "codex", "api", true, []string{"claude", "codex"}, "second")

	path := filepath.Join(home, "logs", "audit.jsonl")

	info1, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file: %v", err)
	}
	size1 := info1.Size()

	RecordRouting("sess-1", "task-3", "claude", "subscription", true, []string{"claude"}, "third")

	info2, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file after append: %v", err)
	}
	size2 := info2.Size()
	if size2 <= size1 {
		t.Fatalf("expected file to grow (append-only), size before=%d after=%d", size1, size2)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) < 3 {
		t.Fatalf("expected at least 3 lines, got %d", len(lines))
	}
	for i, line := range lines {
		var e map[string]any
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", i, err)
		}
		if _, ok := e["timestamp"]; !ok {
			t.Fatalf("line %d missing timestamp", i)
		}
		if _, ok := e["rationale"]; !ok {
			t.Fatalf("line %d missing rationale", i)
		}
	}
}
