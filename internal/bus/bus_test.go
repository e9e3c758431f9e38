package bus

import (
	"log/slog"
	"io"
	"testing"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishInvokesHandlersInRegistrationOrder(t *testing.T) {
	b := New(silentLogger())
	var order []int

	b.Subscribe(TopicTaskReady, func(Event) { order = append(order, 1) })
	b.Subscribe(TopicTaskReady, func(Event) { order = append(order, 2) })
	b.Subscribe(TopicTaskReady, func(Event) { order = append(order, 3) })

	b.Publish(TopicTaskReady, TaskReady{TaskID: "t1"})

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("handlers did not run in registration order: %v", order)
	}
}

func TestPublishIsSynchronous(t *testing.T) {
	b := New(silentLogger())
	done := false
	b.Subscribe(TopicTaskReady, func(Event) { done = true })
	b.Publish(TopicTaskReady, TaskReady{TaskID: "t1"})
	if !done {
		t.Fatal("expected handler to have run before Publish returned")
	}
}

func TestPublishRecoversHandlerPanic(t *testing.T) {
	b := New(silentLogger())
	secondRan := false

	b.Subscribe(TopicTaskReady, func(Event) { panic("boom") })
	b.Subscribe(TopicTaskReady, func(Event) { secondRan = true })

	b.Publish(TopicTaskReady, TaskReady{TaskID: "t1"})

	if !secondRan {
		t.Fatal("expected second handler to run despite first handler panicking")
	}
}

func TestPublishWithNoSubscribersIsDropped(t *testing.T) {
	b := New(silentLogger())
	// Should not panic or block.
	b.Publish(TopicTaskReady, TaskReady{TaskID: "t1"})
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(silentLogger())
	calls := 0
	sub := b.Subscribe(TopicTaskReady, func(Event) { calls++ })

	b.Publish(TopicTaskReady, TaskReady{TaskID: "t1"})
	b.Unsubscribe(sub)
	b.Publish(TopicTaskReady, TaskReady{TaskID: "t1"})

	if calls != 1 {
		t.Fatalf("expected exactly 1 call, got %d", calls)
	}
}

func TestSubscriberCount(t *testing.T) {
	b := New(silentLogger())
	if b.SubscriberCount(TopicTaskReady) != 0 {
		t.Fatal("expected zero subscribers initially")
	}
	b.Subscribe(TopicTaskReady, func(Event) {})
	b.Subscribe(TopicTaskReady, func(Event) {})
	if got := b.SubscriberCount(TopicTaskReady); got != 2 {
		t.Fatalf("expected 2 subscribers, got %d", got)
	}
}
