// Package bus provides the in-process agent event bus. Producers publish
// run events; consumers subscribe to a stream and receive a buffered,
// non-blocking feed.
package bus

import (
	"sync"
	"time"
)

const defaultBufferSize = 100

// Subscription represents an active subscription on the bus.
type Subscription struct {
	id     int
	stream Stream
	ch     chan AgentEvent
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan AgentEvent {
	return s.ch
}

// AgentEventBus is an in-process pub/sub bus for agent events.
type AgentEventBus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
	seq    int64
}

// NewAgentEventBus creates an empty bus.
func NewAgentEventBus() *AgentEventBus {
	return &AgentEventBus{subs: make(map[int]*Subscription)}
}

// Subscribe creates a subscription for events on the given stream. An empty
// stream matches every event. The returned channel is buffered; slow
// consumers miss events rather than blocking the publisher.
func (b *AgentEventBus) Subscribe(stream Stream) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		stream: stream,
		ch:     make(chan AgentEvent, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *AgentEventBus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish stamps the event with a sequence number and timestamp and delivers
// it to every matching subscriber. Delivery is non-blocking: a full buffer
// drops the event for that subscriber.
func (b *AgentEventBus) Publish(ev AgentEvent) {
	b.mu.Lock()
	b.seq++
	ev.Seq = b.seq
	if ev.Ts == 0 {
		ev.Ts = time.Now().UnixMilli()
	}
	b.mu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.stream != "" && sub.stream != ev.Stream {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// PublishLifecycle is a convenience wrapper for lifecycle phase events.
func (b *AgentEventBus) PublishLifecycle(runID, sessionKey string, payload LifecyclePayload) {
	b.Publish(AgentEvent{
		RunID:      runID,
		SessionKey: sessionKey,
		Stream:     StreamLifecycle,
		Lifecycle:  &payload,
	})
}
