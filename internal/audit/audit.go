// Package audit records routing decisions to an append-only JSONL file.
// spec.md's RoutingDecision entity requires every decision to carry a
// rationale and the fallback_chain actually consulted "for audit" — this
// package is that audit sink, independent of the routing engine's
// in-memory decision cache (which only needs the most recent decision per
// task, not history).
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/substrate/internal/shared"
)

type entry struct {
	Timestamp     string   `json:"timestamp"`
	SessionID     string   `json:"session_id"`
	TaskID        string   `json:"task_id"`
	Agent         string   `json:"agent,omitempty"`
	BillingMode   string   `json:"billing_mode,omitempty"`
	Available     bool     `json:"available"`
	FallbackChain []string `json:"fallback_chain,omitempty"`
	Rationale     string   `json:"rationale"`
}

var (
	mu               sync.Mutex
	file             *os.File
	unavailableCount atomic.Int64
)

// Init opens (creating if needed) the audit log under homeDir/logs. Safe
// to call more than once; later calls are no-ops.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// UnavailableCount returns the total number of routing decisions recorded
// as unavailable (no candidate agent fit) since startup.
func UnavailableCount() int64 {
	return unavailableCount.Load()
}

// RecordRouting appends one routing decision to the audit log. rationale
// is redacted before persistence since it may echo task-derived text.
func RecordRouting(sessionID, taskID, agent, billingMode string, available bool, fallbackChain []string, rationale string) {
	if !available {
		unavailableCount.Add(1)
	}
	rationale = shared.Redact(rationale)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	ev := entry{
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		SessionID:     sessionID,
		TaskID:        taskID,
		Agent:         agent,
		BillingMode:   billingMode,
		Available:     available,
		FallbackChain: fallbackChain,
		Rationale:     rationale,
	}
	b, err := json.Marshal(ev)
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
