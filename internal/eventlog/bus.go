// Package eventlog fans canonical events out to in-process subscribers and
// records them in the journal.
package eventlog

import (
	"sync"

	"github.com/drewfead/conductor/internal/event"
)

// Subscriber receives published events. OnEvent is called on the
// publisher's goroutine and must not block.
type Subscriber interface {
	OnEvent(ev event.Event)
}

// Bus is a simple pub/sub keyed by workspace id. Each subscriber sees
// events in publish order.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]Subscriber // workspaceID -> subscribers
	globalSubs  []Subscriber
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]Subscriber),
	}
}

// Publish delivers ev to its workspace's subscribers and to global ones.
func (b *Bus) Publish(ev event.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers[ev.WorkspaceID] {
		sub.OnEvent(ev)
	}
	for _, sub := range b.globalSubs {
		sub.OnEvent(ev)
	}
}

// Subscribe registers sub for one workspace and returns its cancel func.
func (b *Bus) Subscribe(workspaceID string, sub Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[workspaceID] = append(b.subscribers[workspaceID], sub)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[workspaceID]
		for i, s := range subs {
			if s == sub {
				b.subscribers[workspaceID] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(b.subscribers[workspaceID]) == 0 {
			delete(b.subscribers, workspaceID)
		}
	}
}

// SubscribeAll registers sub for every workspace.
func (b *Bus) SubscribeAll(sub Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.globalSubs = append(b.globalSubs, sub)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.globalSubs {
			if s == sub {
				b.globalSubs = append(b.globalSubs[:i:i], b.globalSubs[i+1:]...)
				return
			}
		}
	}
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ev event.Event)

// OnEvent calls f.
func (f SubscriberFunc) OnEvent(ev event.Event) {
	f(ev)
}

// ChannelSubscriber buffers events on a channel, dropping them when the
// reader falls behind.
type ChannelSubscriber struct {
	events chan event.Event

	mu      sync.Mutex
	closed  bool
	dropped int
}

// NewChannelSubscriber creates a subscriber with the given buffer.
func NewChannelSubscriber(bufSize int) *ChannelSubscriber {
	return &ChannelSubscriber{
		events: make(chan event.Event, bufSize),
	}
}

// OnEvent enqueues ev without blocking.
func (s *ChannelSubscriber) OnEvent(ev event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.dropped++
	}
}

// Events returns the event channel.
func (s *ChannelSubscriber) Events() <-chan event.Event {
	return s.events
}

// Dropped reports how many events were discarded.
func (s *ChannelSubscriber) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close closes the channel. Later events are ignored.
func (s *ChannelSubscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}
