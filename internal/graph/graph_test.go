package graph_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/basket/substrate/internal/bus"
	"github.com/basket/substrate/internal/graph"
	"github.com/basket/substrate/internal/store"
)

func openTestEngine(t *testing.T) (*graph.Engine, *bus.Bus) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(context.Background(), filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	b := bus.New(nil)
	return graph.New(graph.Config{Store: s, Bus: b}), b
}

const simpleGraph = `
version: "1"
session:
  name: demo
tasks:
  a:
    name: Task A
    prompt: do a
  b:
    name: Task B
    prompt: do b
    depends_on: [a]
  c:
    name: Task C
    prompt: do c
    depends_on: [a]
`

func TestLoadGraphFromStringCreatesSessionAndTasks(t *testing.T) {
	e, _ := openTestEngine(t)
	sessionID, err := e.LoadGraphFromString(context.Background(), simpleGraph, "yaml", "demo.yaml")
	if err != nil {
		t.Fatalf("load graph: %v", err)
	}
	if sessionID == "" {
		t.Fatal("expected non-empty session id")
	}

	tasks, err := e.GetAllTasks(context.Background())
	if err != nil {
		t.Fatalf("get all tasks: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
}

func TestLoadGraphDetectsCycle(t *testing.T) {
	const cyclic = `
version: "1"
session:
  name: demo
tasks:
  a:
    name: Task A
    prompt: do a
    depends_on: [b]
  b:
    name: Task B
    prompt: do b
    depends_on: [a]
`
	e, _ := openTestEngine(t)
	_, err := e.LoadGraphFromString(context.Background(), cyclic, "yaml", "demo.yaml")
	if err == nil {
		t.Fatal("expected cycle detection error")
	}
}

func TestLoadGraphRejectsUnknownDependency(t *testing.T) {
	const broken = `
version: "1"
session:
  name: demo
tasks:
  a:
    name: Task A
    prompt: do a
    depends_on: [ghost]
`
	e, _ := openTestEngine(t)
	_, err := e.LoadGraphFromString(context.Background(), broken, "yaml", "demo.yaml")
	if err == nil {
		t.Fatal("expected nonexistent-dependency error")
	}
}

func TestStartExecutionPromotesRootsOnly(t *testing.T) {
	e, b := openTestEngine(t)
	ctx := context.Background()
	sessionID, err := e.LoadGraphFromString(ctx, simpleGraph, "yaml", "demo.yaml")
	if err != nil {
		t.Fatalf("load graph: %v", err)
	}

	var readyEvents []string
	b.Subscribe(bus.TopicTaskReady, func(ev bus.Event) {
		readyEvents = append(readyEvents, ev.Payload.(bus.TaskReady).TaskID)
	})

	if err := e.StartExecution(ctx, sessionID, 2); err != nil {
		t.Fatalf("start execution: %v", err)
	}
	if len(readyEvents) != 1 || readyEvents[0] != "a" {
		t.Fatalf("expected only task a to become ready initially, got %v", readyEvents)
	}
	if e.State() != graph.StateExecuting {
		t.Fatalf("expected state Executing, got %s", e.State())
	}
}

func TestFullRunReachesCompletion(t *testing.T) {
	e, b := openTestEngine(t)
	ctx := context.Background()
	sessionID, err := e.LoadGraphFromString(ctx, simpleGraph, "yaml", "demo.yaml")
	if err != nil {
		t.Fatalf("load graph: %v", err)
	}

	var completedGraph bool
	b.Subscribe(bus.TopicGraphComplete, func(ev bus.Event) {
		completedGraph = true
		summary := ev.Payload.(bus.GraphComplete)
		if summary.TotalTasks != 3 || summary.CompletedTasks != 3 {
			t.Errorf("unexpected graph summary: %+v", summary)
		}
	})

	if err := e.StartExecution(ctx, sessionID, 2); err != nil {
		t.Fatalf("start execution: %v", err)
	}

	if err := e.MarkTaskRunning(ctx, sessionID, "a", "worker-1"); err != nil {
		t.Fatalf("mark a running: %v", err)
	}
	if err := e.MarkTaskComplete(ctx, sessionID, "a", 0, 1, 1); err != nil {
		t.Fatalf("mark a complete: %v", err)
	}

	for _, id := range []string{"b", "c"} {
		if err := e.MarkTaskRunning(ctx, sessionID, id, "worker-1"); err != nil {
			t.Fatalf("mark %s running: %v", id, err)
		}
		if err := e.MarkTaskComplete(ctx, sessionID, id, 0, 1, 1); err != nil {
			t.Fatalf("mark %s complete: %v", id, err)
		}
	}

	if !completedGraph {
		t.Fatal("expected graph:complete to fire once all tasks finished")
	}
	if e.State() != graph.StateIdle {
		t.Fatalf("expected state to return to Idle after completion, got %s", e.State())
	}
}

func TestMarkTaskRunningOnNonReadyTaskIsIllegalTransition(t *testing.T) {
	e, _ := openTestEngine(t)
	ctx := context.Background()
	sessionID, err := e.LoadGraphFromString(ctx, simpleGraph, "yaml", "demo.yaml")
	if err != nil {
		t.Fatalf("load graph: %v", err)
	}

	// Task b is still pending (its dependency has not completed).
	err = e.MarkTaskRunning(ctx, sessionID, "b", "worker-1")
	if err == nil {
		t.Fatal("expected illegal transition error")
	}
	var illegal *store.IllegalTransitionError
	if !errors.As(err, &illegal) {
		t.Fatalf("expected IllegalTransitionError, got %T: %v", err, err)
	}
}

func TestMarkTaskFailedDoesNotCompleteSuccessors(t *testing.T) {
	e, _ := openTestEngine(t)
	ctx := context.Background()
	sessionID, err := e.LoadGraphFromString(ctx, simpleGraph, "yaml", "demo.yaml")
	if err != nil {
		t.Fatalf("load graph: %v", err)
	}
	if err := e.StartExecution(ctx, sessionID, 2); err != nil {
		t.Fatalf("start execution: %v", err)
	}
	if err := e.MarkTaskRunning(ctx, sessionID, "a", "worker-1"); err != nil {
		t.Fatalf("mark a running: %v", err)
	}
	if err := e.MarkTaskFailed(ctx, sessionID, "a", "boom", 1); err != nil {
		t.Fatalf("mark a failed: %v", err)
	}

	taskB, err := e.GetTask(ctx, "b")
	if err != nil {
		t.Fatalf("get task b: %v", err)
	}
	if taskB.Status != store.TaskPending {
		t.Fatalf("expected b to remain pending, got %s", taskB.Status)
	}
}
