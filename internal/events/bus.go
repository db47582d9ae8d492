// Package events carries best-effort notifications about workspace state sync outcomes
// and keeps an append-only journal of them.
package events

import (
	"sync"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	// EventStateDelivered is published after a pending state write reached the store.
	EventStateDelivered EventType = "state_delivered"
	// EventStateCoalesced is published when an enqueue replaced a pending write for the same key.
	EventStateCoalesced EventType = "state_coalesced"
	// EventStateDropped is published when an enqueue was discarded (oversized or unserializable).
	EventStateDropped EventType = "state_dropped"
	// EventStateEvicted is published when a pending write was evicted to respect the key bound.
	EventStateEvicted EventType = "state_evicted"
	// EventStateSaveFailed is published when the store rejected a write. The write is not retried.
	EventStateSaveFailed EventType = "state_save_failed"
	// EventIncidentTransition is published when a caller applied an incident status change.
	EventIncidentTransition EventType = "incident_transition"
)

// Event is one notification. Key is the sync key ("namespace:scopeKey") or incident id.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Key       string
	Bytes     int
	Detail    string
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

type subscription struct {
	ch    chan Event
	types map[EventType]bool // nil: every type
}

// Bus is a non-blocking publish/subscribe bus. Each subscriber has its own buffered channel;
// when it is full the event is dropped for that subscriber rather than blocking the publisher.
type Bus struct {
	mu         sync.RWMutex
	subs       []*subscription
	bufferSize int
	closed     bool
	running    sync.WaitGroup
}

// NewBus creates a bus with the given per-subscriber buffer size.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{bufferSize: bufferSize}
}

// Subscribe registers fn for the listed event types, or for every type when none are listed.
// fn runs on a dedicated goroutine; panics inside it are recovered. Returns an unsubscribe func.
func (b *Bus) Subscribe(fn Subscriber, types ...EventType) func() {
	sub := &subscription{ch: make(chan Event, b.bufferSize)}
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return func() {}
	}
	b.subs = append(b.subs, sub)
	b.running.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.running.Done()
		for event := range sub.ch {
			func() {
				defer func() { _ = recover() }()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s == sub {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				close(sub.ch)
				return
			}
		}
	}
}

// Publish stamps and fans out an event without blocking. A nil bus discards the event.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.types != nil && !s.types[e.Type] {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Close closes every subscriber channel and waits until subscribers have handled the events
// already buffered for them. Later subscriptions are inert. Close must not be called from a
// subscriber.
func (b *Bus) Close() {
	b.mu.Lock()
	for _, s := range b.subs {
		close(s.ch)
	}
	b.subs = nil
	b.closed = true
	b.mu.Unlock()
	b.running.Wait()
}
