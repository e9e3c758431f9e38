// Package bus implements the typed, synchronous publish/subscribe channel
// that couples every other component of the orchestrator. Unlike a queued
// or buffered bus, publish does not return until every handler registered
// for that topic has run exactly once, in the order it subscribed.
package bus

import (
	"log/slog"
	"sync"
)

// Event is one message flowing through the bus: a topic name paired with
// its fixed-shape payload (see topics.go for the payload types).
type Event struct {
	Topic   Topic
	Payload any
}

// Handler receives a dispatched Event. Handlers must not block; if they
// need to do real I/O they should enqueue it on their own channel and
// return immediately.
type Handler func(Event)

// Subscription identifies one registered handler so it can be removed.
type Subscription struct {
	id    uint64
	topic Topic
}

// Bus is an in-process, synchronous, typed event bus. The zero value is
// not usable; construct with New.
type Bus struct {
	mu      sync.RWMutex
	logger  *slog.Logger
	nextID  uint64
	byTopic map[Topic][]subscriber
}

type subscriber struct {
	id      uint64
	handler Handler
}

// New creates a Bus that logs handler panics to logger. A nil logger
// falls back to slog.Default().
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:  logger,
		byTopic: make(map[Topic][]subscriber),
	}
}

// Subscribe registers handler for topic. Subscriptions are expected to be
// established during component initialization, before any task starts;
// the bus does not buffer events published before a subscriber exists.
func (b *Bus) Subscribe(topic Topic, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.byTopic[topic] = append(b.byTopic[topic], subscriber{id: id, handler: handler})
	return Subscription{id: id, topic: topic}
}

// Unsubscribe removes a previously registered handler. It is a no-op if
// the subscription was already removed.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.byTopic[sub.topic]
	for i, s := range subs {
		if s.id == sub.id {
			b.byTopic[sub.topic] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Publish dispatches payload to every handler currently subscribed to
// topic, synchronously and in registration order. A handler panic is
// recovered, logged, and does not prevent the remaining handlers from
// running. Publish never blocks on I/O of its own; if there are no
// subscribers the event is simply dropped — this is intentional, since
// subscriptions are established during component initialization before
// any task starts.
func (b *Bus) Publish(topic Topic, payload any) {
	b.mu.RLock()
	subs := make([]subscriber, len(b.byTopic[topic]))
	copy(subs, b.byTopic[topic])
	b.mu.RUnlock()

	event := Event{Topic: topic, Payload: payload}
	for _, s := range subs {
		b.invoke(s, event)
	}
}

func (b *Bus) invoke(s subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus handler panicked",
				slog.String("topic", string(event.Topic)),
				slog.Any("recover", r))
		}
	}()
	s.handler(event)
}

// SubscriberCount reports how many handlers are registered for topic.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byTopic[topic])
}
