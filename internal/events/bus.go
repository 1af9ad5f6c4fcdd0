// Package events is the publish/subscribe bus the trackers use to tell
// live consumers (the websocket stream, the MQTT publisher) that
// something changed. The bus is nil-safe: Publish on a nil *Bus is a
// no-op.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	SourceActivity = "activity"
	SourceCall     = "call"
	SourceMedia    = "media"
	SourceIdle     = "idle"
	SourceTracker  = "tracker"
)

// Kind constants describe the type of event within a source.
const (
	// KindSessionOpened: a session row was inserted.
	// Data: id, label, started_at, plus category/window_title for
	// activity rows.
	KindSessionOpened = "session_opened"
	// KindSessionClosed: a session row received its end.
	// Data: id, label, started_at, ended_at, duration_ms.
	KindSessionClosed = "session_closed"
	// KindSessionDiscarded: an open row was deleted, either a premature
	// hour split or an empty row at an hour boundary.
	// Data: id, label.
	KindSessionDiscarded = "session_discarded"

	// KindIdleStart: idle was accepted. Data: since.
	KindIdleStart = "idle_start"
	// KindIdleSuppressed: idle was ignored because of a call or
	// meeting. Data: since, reason.
	KindIdleSuppressed = "idle_suppressed"
	// KindIdleEnd: the user came back. Data: since, until, segments.
	KindIdleEnd = "idle_end"

	// KindWake: the machine resumed from sleep. Data: last_seen,
	// asleep_ms.
	KindWake = "wake"
)

// Event is a single published event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Slow subscribers miss events
// rather than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel handed to subscribers
	// back to the channel stored in subs.
	recvToSend map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish delivers e to every subscriber with room in its buffer.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel of published events buffered to bufSize.
// Callers must Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes and closes a subscription. Unknown channels are
// ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
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
