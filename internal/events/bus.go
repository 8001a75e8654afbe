// Package events provides the publish/subscribe bus that carries
// session activity to observers: the websocket stream, the MQTT
// publisher and anything else that wants to watch turns progress. The
// bus is nil-safe: Publish on a nil *Bus is a no-op, so producers need
// no guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceSession identifies events from the session manager.
	SourceSession = "session"
	// SourceRunner identifies events from the turn runner.
	SourceRunner = "runner"
)

// Kind constants describe the type of event within a source.
const (
	// KindTransition signals an applied state machine transition.
	// Data: event, from, to, seq; new_thread_id on reset.
	KindTransition = "transition"
	// KindIgnored signals an event the state machine rejected.
	// Data: event, state, reason.
	KindIgnored = "ignored"
	// KindEndpointCall signals the start of a serving endpoint call.
	// Data: seq.
	KindEndpointCall = "endpoint_call"
	// KindEndpointDone signals the end of a serving endpoint call.
	// Data: seq, ok, texts, tool_calls, duration_ms.
	KindEndpointDone = "endpoint_done"
)

// Event is a single activity event.
type Event struct {
	Timestamp time.Time `json:"ts"`
	Source    string    `json:"source"`
	Kind      string    `json:"kind"`
	// Thread is the conversation thread the event belongs to.
	Thread string         `json:"thread_id,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// Filter selects which events a subscriber receives. A nil Filter
// accepts everything.
type Filter func(Event) bool

// ForThread returns a Filter that accepts events for one thread.
func ForThread(threadID string) Filter {
	return func(e Event) bool { return e.Thread == threadID }
}

type subscription struct {
	ch     chan Event
	filter Filter
}

// Bus is a non-blocking broadcast bus. Subscribers receive events on
// buffered channels; a slow subscriber misses events instead of
// blocking the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]*subscription
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]*subscription)}
}

// Publish delivers e to every matching subscriber, dropping it for
// subscribers whose buffer is full. A zero Timestamp is set to now.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.filter != nil && !s.filter(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel of events accepted by filter. The caller
// must Unsubscribe to release it.
func (b *Bus) Subscribe(bufSize int, filter Filter) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = &subscription{ch: ch, filter: filter}
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// or already-removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(s.ch)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
