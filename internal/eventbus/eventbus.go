// Package eventbus provides an in-process pub/sub bus for supervisor
// events. This is how translated subprocess activity reaches the feed
// writer, the dashboard, and any other consumer without coupling them
// to the supervisor.
package eventbus

import (
	"sync"
	"time"
)

// Kind is the coarse subscription category for an event.
type Kind string

const (
	// KindEvent carries structured lifecycle events (init, tool use,
	// stats snapshots).
	KindEvent Kind = "event"

	// KindOutput carries raw subprocess text chunks for display.
	KindOutput Kind = "output"

	// KindComplete signals a finished turn.
	KindComplete Kind = "complete"

	// KindError carries spawn failures and subprocess fatal errors.
	KindError Kind = "error"
)

// Event is one bus message. Type refines Kind (e.g. kind=event,
// type=tool_start); Data holds the type-specific payload and must stay
// JSON-marshalable because the feed writer persists events verbatim.
type Event struct {
	Kind  Kind        `json:"kind"`
	Type  string      `json:"type,omitempty"`
	Agent string      `json:"agent"`
	Text  string      `json:"text,omitempty"`
	Final bool        `json:"final,omitempty"`
	Data  interface{} `json:"data,omitempty"`
	Time  time.Time   `json:"time"`
}

// Bus is an in-process broadcast bus. Thread-safe for concurrent
// publish/subscribe.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int
	closed bool
}

type subscription struct {
	ch    chan Event
	kinds map[Kind]bool // nil means all kinds
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscription)}
}

// Subscribe registers a listener for the given kinds (none = all) and
// returns its channel plus an unsubscribe function. The channel is
// buffered so slow consumers do not block publishers.
func (b *Bus) Subscribe(kinds ...Kind) (events <-chan Event, unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	b.nextID++
	id := b.nextID

	sub := &subscription{ch: make(chan Event, 100)}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}
	b.subs[id] = sub

	return sub.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			close(sub.ch)
			delete(b.subs, id)
		}
	}
}

// Publish delivers an event to all matching subscribers. Non-blocking:
// a full subscriber channel drops the event for that subscriber rather
// than stalling the supervisor. Per-publisher ordering is preserved for
// events that are delivered.
func (b *Bus) Publish(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs {
		if sub.kinds != nil && !sub.kinds[event.Kind] {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Channel full, drop for this subscriber
		}
	}
}

// Close shuts down the bus and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// SubscriberCount returns the current number of subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
