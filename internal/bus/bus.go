package bus

import (
	"errors"
	log "log/slog"
	"sync"
	"time"
)

// Topics published by the core. The presentation layer subscribes to a
// subset of these through the gateway.
const (
	TopicToken          = "token"
	TopicReplyStart     = "reply.start"
	TopicReplyComplete  = "reply.complete"
	TopicReplyError     = "reply.error"
	TopicAgentState     = "agent.state"
	TopicLogMessage     = "log.message"
	TopicCaptureQuality = "capture.quality"
)

var ErrStopped = errors.New("bus stopped")

const queueSize = 1024

// Event is one published message. Payload is owned by the publisher and
// must not be mutated after Publish.
type Event struct {
	Topic   string
	Payload any
	Time    time.Time
}

// Handler runs on the bus delivery goroutine, never on the publisher's.
type Handler func(Event)

// Subscription identifies a registered handler for Unsubscribe.
type Subscription struct {
	topic string
	id    uint64
}

type entry struct {
	id uint64
	fn Handler
}

// Bus is a thread-safe publish/subscribe channel. A single delivery
// goroutine pops queued events in publish order, which gives per-topic
// FIFO delivery. Handler failures are isolated: a panicking handler is
// logged and the remaining handlers still run.
type Bus struct {
	mu       sync.Mutex
	handlers map[string][]entry
	nextID   uint64
	stopped  bool

	queue chan Event
	done  chan struct{}
}

func New() *Bus {
	b := &Bus{
		handlers: make(map[string][]entry),
		queue:    make(chan Event, queueSize),
		done:     make(chan struct{}),
	}
	go b.deliver()
	return b
}

// Publish enqueues the event and returns without waiting for delivery.
// A full queue drops the event rather than blocking the publisher.
func (b *Bus) Publish(topic string, payload any) error {
	ev := Event{Topic: topic, Payload: payload, Time: time.Now()}

	// The stopped check and the enqueue must be atomic with respect to
	// Stop closing the queue. The send is non-blocking, so holding the
	// lock across it is fine.
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return ErrStopped
	}
	select {
	case b.queue <- ev:
		return nil
	default:
		log.Error("Event queue full, dropping", "topic", topic)
		return errors.New("event queue full")
	}
}

// Subscribe registers a handler for a topic.
func (b *Bus) Subscribe(topic string, fn Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.handlers[topic] = append(b.handlers[topic], entry{id: b.nextID, fn: fn})
	return Subscription{topic: topic, id: b.nextID}
}

// Unsubscribe removes a subscription. Removing one that is already gone
// is a no-op.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.handlers[sub.topic]
	for i, e := range entries {
		if e.id == sub.id {
			b.handlers[sub.topic] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

// Stop rejects further publishes, drains the queue and waits for the
// delivery goroutine to finish. Used during process teardown.
func (b *Bus) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()

	close(b.queue)
	<-b.done
}

func (b *Bus) deliver() {
	defer close(b.done)

	for ev := range b.queue {
		b.mu.Lock()
		entries := append([]entry(nil), b.handlers[ev.Topic]...)
		b.mu.Unlock()

		for _, e := range entries {
			b.invoke(e, ev)
		}
	}
}

func (b *Bus) invoke(e entry, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Handler panicked", "topic", ev.Topic, "panic", r)
		}
	}()
	e.fn(ev)
}
