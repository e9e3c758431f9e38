package worktree

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available in PATH")
	}
}

func git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v: %s", args, err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out))
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	git(t, dir, "init", "-b", "main")
	git(t, dir, "config", "user.email", "test@example.com")
	git(t, dir, "config", "user.name", "test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	git(t, dir, "add", "README.md")
	git(t, dir, "commit", "-m", "initial")
	return dir
}

func TestVerifyGitVersion(t *testing.T) {
	requireGit(t)
	if err := VerifyGitVersion(context.Background()); err != nil {
		t.Fatalf("VerifyGitVersion: %v", err)
	}
}

func TestParseGitVersion(t *testing.T) {
	major, minor, ok := parseGitVersion("git version 2.39.2")
	if !ok || major != 2 || minor != 39 {
		t.Fatalf("got major=%d minor=%d ok=%v", major, minor, ok)
	}
	if _, _, ok := parseGitVersion("not a version string"); ok {
		t.Fatal("expected ok=false for unparseable input")
	}
}

func TestCreateWorktree(t *testing.T) {
	requireGit(t)
	root := initRepo(t)
	m := &Manager{projectRoot: root, worktreesDir: defaultWorktreesDir, logger: noopLogger()}

	path, branch, err := m.CreateWorktree(context.Background(), "task-1", "main")
	if err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}
	if branch != "substrate/task-task-1" {
		t.Fatalf("unexpected branch name: %s", branch)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("worktree path not created: %v", err)
	}
	if _, err := os.Stat(filepath.Join(path, "README.md")); err != nil {
		t.Fatalf("expected checked out file in worktree: %v", err)
	}
}

func TestCreateWorktreeRejectsEmptyTaskID(t *testing.T) {
	m := &Manager{projectRoot: t.TempDir(), worktreesDir: defaultWorktreesDir, logger: noopLogger()}
	if _, _, err := m.CreateWorktree(context.Background(), "   ", "main"); err == nil {
		t.Fatal("expected error for blank task id")
	}
}

func TestCleanupWorktreeIsIdempotent(t *testing.T) {
	requireGit(t)
	root := initRepo(t)
	m := &Manager{projectRoot: root, worktreesDir: defaultWorktreesDir, logger: noopLogger()}

	if _, _, err := m.CreateWorktree(context.Background(), "task-2", "main"); err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}
	m.CleanupWorktree(context.Background(), "sess-1", "task-2")
	m.CleanupWorktree(context.Background(), "sess-1", "task-2")

	path := filepath.Join(m.baseDir(), "task-2")
	if _, err := os.Stat(path); err == nil {
		t.Fatal("expected worktree directory to be removed")
	}
}

func TestDetectConflictsNoConflict(t *testing.T) {
	requireGit(t)
	root := initRepo(t)
	m := &Manager{projectRoot: root, worktreesDir: defaultWorktreesDir, logger: noopLogger()}

	path, _, err := m.CreateWorktree(context.Background(), "task-3", "main")
	if err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}
	if err := os.WriteFile(filepath.Join(path, "new-file.txt"), []byte("content\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	git(t, path, "add", "new-file.txt")
	git(t, path, "commit", "-m", "add new-file")

	result, err := m.DetectConflicts(context.Background(), "task-3", "main")
	if err != nil {
		t.Fatalf("DetectConflicts: %v", err)
	}
	if result.HasConflicts {
		t.Fatalf("unexpected conflicts: %v", result.Files)
	}

	status := git(t, root, "status", "--porcelain")
	if status != "" {
		t.Fatalf("expected clean working tree after abort, got: %q", status)
	}
}

func TestDetectConflictsWithConflict(t *testing.T) {
	requireGit(t)
	root := initRepo(t)
	m := &Manager{projectRoot: root, worktreesDir: defaultWorktreesDir, logger: noopLogger()}

	path, _, err := m.CreateWorktree(context.Background(), "task-4", "main")
	if err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}
	if err := os.WriteFile(filepath.Join(path, "README.md"), []byte("branch change\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	git(t, path, "add", "README.md")
	git(t, path, "commit", "-m", "branch edit")

	if err := os.WriteFile(filepath.Join(root, "README.md"), []byte("main change\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	git(t, root, "add", "README.md")
	git(t, root, "commit", "-m", "main edit")

	result, err := m.DetectConflicts(context.Background(), "task-4", "main")
	if err != nil {
		t.Fatalf("DetectConflicts: %v", err)
	}
	if !result.HasConflicts {
		t.Fatal("expected a conflict on README.md")
	}
	if len(result.Files) != 1 || result.Files[0] != "README.md" {
		t.Fatalf("unexpected conflict files: %v", result.Files)
	}

	status := git(t, root, "status", "--porcelain")
	if status != "" {
		t.Fatalf("expected clean working tree after abort, got: %q", status)
	}
}

func TestMergeWorktreeClean(t *testing.T) {
	requireGit(t)
	root := initRepo(t)
	m := &Manager{projectRoot: root, worktreesDir: defaultWorktreesDir, logger: noopLogger()}

	path, _, err := m.CreateWorktree(context.Background(), "task-5", "main")
	if err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}
	if err := os.WriteFile(filepath.Join(path, "feature.txt"), []byte("feature\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	git(t, path, "add", "feature.txt")
	git(t, path, "commit", "-m", "add feature")

	result, err := m.MergeWorktree(context.Background(), "sess-1", "task-5", "main")
	if err != nil {
		t.Fatalf("MergeWorktree: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected merge to succeed, conflicts: %v", result.Conflicts)
	}
	if _, err := os.Stat(filepath.Join(root, "feature.txt")); err != nil {
		t.Fatalf("expected merged file in base worktree: %v", err)
	}
}
