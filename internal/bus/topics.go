package bus

import "time"

// Topic names every event the orchestrator's components exchange.
type Topic string

const (
	// TopicTaskReady fires once per task when every dependency has
	// reached completed status.
	TopicTaskReady Topic = "task:ready"
	// TopicTaskRouted fires once a routing decision has been made for
	// a ready task.
	TopicTaskRouted Topic = "task:routed"
	// TopicTaskStarted fires when a dispatch transitions into Running.
	TopicTaskStarted Topic = "task:started"
	// TopicTaskProgress fires zero or more times per task as stdout
	// chunks arrive.
	TopicTaskProgress Topic = "task:progress"
	// TopicTaskComplete, TopicTaskFailed, TopicTaskCancelled are the
	// three mutually exclusive terminal events; exactly one fires per
	// task lifecycle.
	TopicTaskComplete   Topic = "task:complete"
	TopicTaskFailed     Topic = "task:failed"
	TopicTaskCancelled  Topic = "task:cancelled"
	// TopicTaskStatusChange fires on every task status transition, for
	// the execution log.
	TopicTaskStatusChange Topic = "task:status_change"

	// TopicWorktreeCreated, TopicWorktreeMerged, TopicWorktreeConflict,
	// TopicWorktreeRemoved are emitted by the worktree manager.
	TopicWorktreeCreated  Topic = "worktree:created"
	TopicWorktreeMerged   Topic = "worktree:merged"
	TopicWorktreeConflict Topic = "worktree:conflict"
	TopicWorktreeRemoved  Topic = "worktree:removed"

	// TopicProviderUnavailable fires when a provider's rate window is
	// exhausted or otherwise unusable, at most once per exhaustion
	// event.
	TopicProviderUnavailable Topic = "provider:unavailable"

	// TopicAgentSpawned, TopicAgentOutput, TopicAgentCompleted,
	// TopicAgentFailed, TopicAgentTimeout track the dispatcher's
	// per-dispatch lifecycle.
	TopicAgentSpawned   Topic = "agent:spawned"
	TopicAgentOutput    Topic = "agent:output"
	TopicAgentCompleted Topic = "agent:completed"
	TopicAgentFailed    Topic = "agent:failed"
	TopicAgentTimeout   Topic = "agent:timeout"

	// TopicCostRecorded fires once per billed task step.
	TopicCostRecorded Topic = "cost:recorded"

	// TopicOrchestratorStateChange fires on every run-state transition
	// (Idle, Loading, Executing, Completing).
	TopicOrchestratorStateChange Topic = "orchestrator:state_change"

	// TopicGraphComplete fires once, when every task in the graph has
	// reached a terminal state.
	TopicGraphComplete Topic = "graph:complete"
)

// TaskReady is the payload of TopicTaskReady.
type TaskReady struct {
	SessionID string
	TaskID    string
}

// TaskRouted is the payload of TopicTaskRouted.
type TaskRouted struct {
	SessionID      string
	TaskID         string
	Agent          string
	BillingMode    string
	Model          string
	Rationale      string
	FallbackChain  []string
	EstimatedCost  float64
	RateLimitUsed  int
	RateLimitLimit int
}

// TaskStarted is the payload of TopicTaskStarted.
type TaskStarted struct {
	SessionID string
	TaskID    string
	WorkerID  string
	Agent     string
}

// TaskProgress is the payload of TopicTaskProgress, one per stdout chunk.
type TaskProgress struct {
	SessionID string
	TaskID    string
	WorkerID  string
	Chunk     string
}

// TaskTerminal is the payload shared by TopicTaskComplete,
// TopicTaskFailed, and TopicTaskCancelled.
type TaskTerminal struct {
	SessionID   string
	TaskID      string
	Status      string
	ExitCode    int
	Output      string
	ParseError  string
	Error       string
	InputTokens int
	OutputTokens int
}

// TaskStatusChange is the payload of TopicTaskStatusChange.
type TaskStatusChange struct {
	SessionID string
	TaskID    string
	OldStatus string
	NewStatus string
}

// WorktreeCreated is the payload of TopicWorktreeCreated.
type WorktreeCreated struct {
	SessionID    string
	TaskID       string
	WorktreePath string
	BranchName   string
}

// WorktreeMerged is the payload of TopicWorktreeMerged.
type WorktreeMerged struct {
	SessionID    string
	TaskID       string
	TargetBranch string
	MergedFiles  []string
}

// WorktreeConflict is the payload of TopicWorktreeConflict.
type WorktreeConflict struct {
	SessionID    string
	TaskID       string
	TargetBranch string
	Files        []string
}

// WorktreeRemoved is the payload of TopicWorktreeRemoved.
type WorktreeRemoved struct {
	SessionID string
	TaskID    string
}

// ProviderUnavailable is the payload of TopicProviderUnavailable.
type ProviderUnavailable struct {
	Provider string
	Reason   string
	ResetAt  time.Time
}

// AgentSpawned is the payload of TopicAgentSpawned.
type AgentSpawned struct {
	DispatchID string
	TaskID     string
	Agent      string
	PID        int
}

// AgentOutput is the payload of TopicAgentOutput.
type AgentOutput struct {
	DispatchID string
	TaskID     string
	Stream     string // "stdout" or "stderr"
	Chunk      string
}

// AgentTerminal is the payload shared by TopicAgentCompleted,
// TopicAgentFailed, and TopicAgentTimeout.
type AgentTerminal struct {
	DispatchID  string
	TaskID      string
	Status      string // completed | failed | timeout | cancelled
	ExitCode    int
	TimeoutMs   int
	Error       string
}

// CostRecorded is the payload of TopicCostRecorded.
type CostRecorded struct {
	SessionID   string
	TaskID      string
	Agent       string
	Provider    string
	Model       string
	BillingMode string
	CostUSD     float64
	SavingsUSD  float64
}

// OrchestratorStateChange is the payload of TopicOrchestratorStateChange.
type OrchestratorStateChange struct {
	SessionID string
	OldState  string
	NewState  string
}

// GraphComplete is the payload of TopicGraphComplete.
type GraphComplete struct {
	SessionID      string
	TotalTasks     int
	CompletedTasks int
	FailedTasks    int
	CancelledTasks int
}
