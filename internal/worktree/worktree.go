// Package worktree provisions and reaps isolated per-task git worktrees.
// Every task runs its agent subprocess inside its own branch and
// directory, named deterministically so the orchestrator can always
// recompute a task's path from its id alone.
package worktree

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/basket/substrate/internal/bus"
	"github.com/basket/substrate/internal/store"
)

const defaultWorktreesDir = ".substrate-worktrees"

const minGitMajor, minGitMinor = 2, 20

// Manager owns <project_root>/<worktrees_dir> and the branch naming
// convention substrate/task-<id>.
type Manager struct {
	projectRoot  string
	worktreesDir string
	bus          *bus.Bus
	store        *store.Store
	logger       *slog.Logger
}

// Config configures a Manager.
type Config struct {
	ProjectRoot  string
	WorktreesDir string // relative to ProjectRoot; defaults to .substrate-worktrees
	Bus          *bus.Bus
	Store        *store.Store
	Logger       *slog.Logger
}

// New constructs a Manager and subscribes it to the bus events that
// drive worktree provisioning and reaping.
func New(cfg Config) *Manager {
	dir := cfg.WorktreesDir
	if dir == "" {
		dir = defaultWorktreesDir
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := &Manager{
		projectRoot:  cfg.ProjectRoot,
		worktreesDir: dir,
		bus:          cfg.Bus,
		store:        cfg.Store,
		logger:       cfg.Logger,
	}
	if cfg.Bus != nil {
		cfg.Bus.Subscribe(bus.TopicTaskReady, m.onTaskReady)
		cfg.Bus.Subscribe(bus.TopicTaskComplete, m.onTaskTerminal)
		cfg.Bus.Subscribe(bus.TopicTaskFailed, m.onTaskTerminal)
	}
	return m
}

func (m *Manager) baseDir() string {
	return filepath.Join(m.projectRoot, m.worktreesDir)
}

// BranchName returns the deterministic branch name for a task.
func BranchName(taskID string) string {
	return "substrate/task-" + taskID
}

func (m *Manager) onTaskReady(ev bus.Event) {
	ready, ok := ev.Payload.(bus.TaskReady)
	if !ok {
		return
	}
	ctx := context.Background()
	path, branch, err := m.CreateWorktree(ctx, ready.TaskID, "main")
	if err != nil {
		m.logger.Error("create worktree failed", "task_id", ready.TaskID, "error", err)
		return
	}
	if m.bus != nil {
		m.bus.Publish(bus.TopicWorktreeCreated, bus.WorktreeCreated{
			SessionID:    ready.SessionID,
			TaskID:       ready.TaskID,
			WorktreePath: path,
			BranchName:   branch,
		})
	}
}

func (m *Manager) onTaskTerminal(ev bus.Event) {
	terminal, ok := ev.Payload.(bus.TaskTerminal)
	if !ok {
		return
	}
	m.CleanupWorktree(context.Background(), terminal.SessionID, terminal.TaskID)
}

// VerifyGitVersion fails with a descriptive error if the system git
// binary is older than 2.20, which lacks reliable worktree support.
func VerifyGitVersion(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, "git", "--version").Output()
	if err != nil {
		return fmt.Errorf("worktree: git not found or not runnable: %w", err)
	}
	major, minor, ok := parseGitVersion(string(out))
	if !ok {
		return fmt.Errorf("worktree: could not parse git version from %q", strings.TrimSpace(string(out)))
	}
	if major < minGitMajor || (major == minGitMajor && minor < minGitMinor) {
		return fmt.Errorf("worktree: git too old (%d.%d found, %d.%d required) — upgrade git", major, minor, minGitMajor, minGitMinor)
	}
	return nil
}

var gitVersionRe = regexp.MustCompile(`git version (\d+)\.(\d+)`)

func parseGitVersion(output string) (major, minor int, ok bool) {
	m := gitVersionRe.FindStringSubmatch(output)
	if len(m) != 3 {
		return 0, 0, false
	}
	major, err1 := strconv.Atoi(m[1])
	minor, err2 := strconv.Atoi(m[2])
	return major, minor, err1 == nil && err2 == nil
}

func (m *Manager) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(errBuf.String()))
	}
	return out.String(), nil
}

// CreateWorktree atomically creates a branch and worktree off baseBranch
// for taskID, returning the new worktree path and branch name.
func (m *Manager) CreateWorktree(ctx context.Context, taskID, baseBranch string) (worktreePath, branchName string, err error) {
	if strings.TrimSpace(taskID) == "" {
		return "", "", fmt.Errorf("worktree: task_id must not be empty")
	}
	if baseBranch == "" {
		baseBranch = "main"
	}
	if err := os.MkdirAll(m.baseDir(), 0o755); err != nil {
		return "", "", fmt.Errorf("worktree: create base dir: %w", err)
	}

	branch := BranchName(taskID)
	path := filepath.Join(m.baseDir(), taskID)

	if _, err := m.run(ctx, m.projectRoot, "worktree", "add", "-b", branch, path, baseBranch); err != nil {
		return "", "", fmt.Errorf("worktree: create worktree for %s: %w", taskID, err)
	}
	return path, branch, nil
}

// CleanupWorktree best-effort removes the worktree directory and branch
// for taskID. It never returns a fatal failure path to the caller —
// failures are logged — and is idempotent.
func (m *Manager) CleanupWorktree(ctx context.Context, sessionID, taskID string) {
	path := filepath.Join(m.baseDir(), taskID)
	branch := BranchName(taskID)

	if _, err := os.Stat(path); err == nil {
		if _, rmErr := m.run(ctx, m.projectRoot, "worktree", "remove", "--force", path); rmErr != nil {
			m.logger.Warn("worktree remove failed", "task_id", taskID, "error", rmErr)
		}
	}
	if _, err := m.run(ctx, m.projectRoot, "branch", "-D", branch); err != nil {
		m.logger.Warn("branch delete failed", "task_id", taskID, "branch", branch, "error", err)
	}

	if m.store != nil {
		if _, err := m.store.DB().ExecContext(ctx, `
			UPDATE tasks SET worktree_cleaned_at = CURRENT_TIMESTAMP
			WHERE session_id = ? AND id = ?;
		`, sessionID, taskID); err != nil {
			m.logger.Warn("record worktree_cleaned_at failed", "task_id", taskID, "error", err)
		}
	}
	if m.bus != nil {
		m.bus.Publish(bus.TopicWorktreeRemoved, bus.WorktreeRemoved{SessionID: sessionID, TaskID: taskID})
	}
}

// CleanupAllWorktrees scans the base directory and reaps every worktree
// whose task is not currently running, returning the count reaped.
func (m *Manager) CleanupAllWorktrees(ctx context.Context, sessionID string) (int, error) {
	entries, err := os.ReadDir(m.baseDir())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("worktree: scan base dir: %w", err)
	}

	reaped := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		taskID := entry.Name()
		if m.store != nil {
			task, err := m.store.GetTask(ctx, sessionID, taskID)
			if err != nil {
				m.logger.Warn("lookup task during full reap failed", "task_id", taskID, "error", err)
				continue
			}
			if task != nil && task.Status == store.TaskRunning {
				continue
			}
		}
		m.CleanupWorktree(ctx, sessionID, taskID)
		reaped++
	}
	return reaped, nil
}

// ConflictResult is the outcome of DetectConflicts.
type ConflictResult struct {
	HasConflicts bool
	Files        []string
}

// resolveTargetDir finds the directory with targetBranch currently
// checked out, either the project root itself or one of its worktrees,
// by parsing `git worktree list --porcelain`. Every merge simulation and
// real merge must run there rather than in whatever happens to be
// checked out at projectRoot, since that need not be targetBranch.
func (m *Manager) resolveTargetDir(ctx context.Context, targetBranch string) (string, error) {
	out, err := m.run(ctx, m.projectRoot, "worktree", "list", "--porcelain")
	if err != nil {
		return "", fmt.Errorf("worktree: list worktrees: %w", err)
	}
	want := "branch refs/heads/" + targetBranch
	dir := ""
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			dir = strings.TrimPrefix(line, "worktree ")
		case line == want:
			return dir, nil
		}
	}
	return "", fmt.Errorf("worktree: no worktree has branch %q checked out", targetBranch)
}

// DetectConflicts performs a non-committing, non-fast-forward merge
// simulation of taskID's branch into targetBranch's worktree directory,
// records the conflicting files, and unconditionally aborts the merge
// regardless of outcome.
func (m *Manager) DetectConflicts(ctx context.Context, taskID, targetBranch string) (ConflictResult, error) {
	branch := BranchName(taskID)
	targetDir, err := m.resolveTargetDir(ctx, targetBranch)
	if err != nil {
		return ConflictResult{}, fmt.Errorf("worktree: detect conflicts for %s: %w", taskID, err)
	}

	defer func() {
		_, _ = m.run(ctx, targetDir, "merge", "--abort")
	}()

	_, mergeErr := m.run(ctx, targetDir, "merge", "--no-ff", "--no-commit", branch)
	if mergeErr == nil {
		return ConflictResult{HasConflicts: false}, nil
	}

	out, diffErr := m.run(ctx, targetDir, "diff", "--name-only", "--diff-filter=U")
	if diffErr != nil {
		return ConflictResult{}, fmt.Errorf("worktree: detect conflicts for %s: %w", taskID, mergeErr)
	}
	var files []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			files = append(files, line)
		}
	}
	return ConflictResult{HasConflicts: len(files) > 0, Files: files}, nil
}

// MergeResult is the outcome of MergeWorktree.
type MergeResult struct {
	Success     bool
	MergedFiles []string
	Conflicts   []string
}

// MergeWorktree runs DetectConflicts first; on conflicts it returns them
// without attempting the merge, otherwise it performs a no-fast-forward
// merge and reports the changed file list.
func (m *Manager) MergeWorktree(ctx context.Context, sessionID, taskID, targetBranch string) (MergeResult, error) {
	conflicts, err := m.DetectConflicts(ctx, taskID, targetBranch)
	if err != nil {
		return MergeResult{}, err
	}
	if conflicts.HasConflicts {
		if m.bus != nil {
			m.bus.Publish(bus.TopicWorktreeConflict, bus.WorktreeConflict{
				SessionID: sessionID, TaskID: taskID, TargetBranch: targetBranch, Files: conflicts.Files,
			})
		}
		return MergeResult{Success: false, Conflicts: conflicts.Files}, nil
	}

	targetDir, err := m.resolveTargetDir(ctx, targetBranch)
	if err != nil {
		return MergeResult{}, fmt.Errorf("worktree: merge %s: %w", taskID, err)
	}

	branch := BranchName(taskID)
	statBefore, _ := m.run(ctx, targetDir, "rev-parse", "HEAD")
	if _, err := m.run(ctx, targetDir, "merge", "--no-ff", branch); err != nil {
		return MergeResult{}, fmt.Errorf("worktree: merge %s: %w", taskID, err)
	}
	out, _ := m.run(ctx, targetDir, "diff", "--name-only", strings.TrimSpace(statBefore), "HEAD")
	var merged []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			merged = append(merged, line)
		}
	}
	if m.bus != nil {
		m.bus.Publish(bus.TopicWorktreeMerged, bus.WorktreeMerged{
			SessionID: sessionID, TaskID: taskID, TargetBranch: targetBranch, MergedFiles: merged,
		})
	}
	return MergeResult{Success: true, MergedFiles: merged}, nil
}
