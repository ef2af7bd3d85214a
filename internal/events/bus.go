package events

import (
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is used when a subscriber asks for a non-positive buffer.
const DefaultBufferSize = 256

// Publisher is the publishing half of the bus.
type Publisher interface {
	Publish(topic string, event Event)
}

type subscriber struct {
	topic string // Empty for SubscribeAll
	ch    chan Event
}

// EventBus is a channel-based pub-sub event bus.
// Supports topic-based subscriptions and SubscribeAll for cross-topic consumption.
// Publishing never blocks: a full subscriber misses the event.
type EventBus struct {
	mu      sync.RWMutex
	subs    []subscriber
	closed  bool
	dropped atomic.Int64
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe returns a channel receiving events published to topic.
func (b *EventBus) Subscribe(topic string, bufSize int) <-chan Event {
	return b.add(topic, bufSize)
}

// SubscribeAll returns a channel receiving events from every topic.
func (b *EventBus) SubscribeAll(bufSize int) <-chan Event {
	return b.add("", bufSize)
}

func (b *EventBus) add(topic string, bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, subscriber{topic: topic, ch: ch})
	return ch
}

// Unsubscribe removes and closes a subscription. Unknown channels are ignored.
func (b *EventBus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.ch == ch {
			close(s.ch)
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish sends an event to the topic's subscribers and to SubscribeAll channels.
func (b *EventBus) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, s := range b.subs {
		if s.topic != "" && s.topic != topic {
			continue
		}
		select {
		case s.ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes the event bus and all subscriber channels.
// Safe to call multiple times.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, s := range b.subs {
		close(s.ch)
	}
	b.subs = nil
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(string, Event) {}
