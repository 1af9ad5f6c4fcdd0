// Package session defines the persisted interval record shared by every
// tracked stream and the lifecycle that opens, hour-splits, and closes
// chains of those records. Nothing outside this package mutates a
// session row; trackers drive a [Lifecycle] and the lifecycle drives the
// [Recorder].
package session

import (
	"context"
	"time"
)

// Stream identifies which tracker owns a session row.
type Stream string

const (
	// StreamActivity holds foreground application sessions.
	StreamActivity Stream = "activity"
	// StreamCall holds call and meeting sessions.
	StreamCall Stream = "call"
	// StreamMedia holds background media playback sessions.
	StreamMedia Stream = "media"
	// StreamIdle holds retroactively recorded idle periods.
	StreamIdle Stream = "idle"
)

// IdleLabel is the fixed label of every idle session.
const IdleLabel = "Idle"

// Metadata carries the optional descriptive fields of activity sessions.
type Metadata struct {
	WindowTitle string `json:"window_title,omitempty"`
	Category    string `json:"category,omitempty"`
}

// Session is one persisted interval of a tracked stream. EndedAt is the
// zero time and Duration is zero while the session is open.
type Session struct {
	ID        int64         `json:"id"`
	Stream    Stream        `json:"stream"`
	Label     string        `json:"label"`
	Meta      Metadata      `json:"meta"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at,omitempty"`
	Duration  time.Duration `json:"duration_ms"`
	IsIdle    bool          `json:"is_idle"`
}

// Open reports whether the session has not been closed yet.
func (s Session) Open() bool {
	return s.EndedAt.IsZero()
}

// Recorder is the persistence contract a [Lifecycle] writes through.
// Insert is append-only and returns the store-assigned id. Update sets
// the end (and the duration derived from startedAt) of an existing row.
// Delete is used only to discard rows created by an hour split that a
// later, retroactive close proved premature.
type Recorder interface {
	Insert(ctx context.Context, s Session) (int64, error)
	Update(ctx context.Context, id int64, endedAt, startedAt time.Time) error
	Delete(ctx context.Context, id int64) error
}

// Observer is notified of committed row changes. Implementations must
// not block; they run on the tracker's loop.
//
// SessionDiscarded reports an open row that was deleted. When a rewind
// restores the row before it, SessionOpened follows for that row.
type Observer interface {
	SessionOpened(s Session)
	SessionClosed(s Session)
	SessionDiscarded(s Session)
}

type nopObserver struct{}

func (nopObserver) SessionOpened(Session)    {}
func (nopObserver) SessionClosed(Session)    {}
func (nopObserver) SessionDiscarded(Session) {}

// Observers fans notifications out to several observers in order.
type Observers []Observer

func (o Observers) SessionOpened(s Session) {
	for _, ob := range o {
		ob.SessionOpened(s)
	}
}

func (o Observers) SessionClosed(s Session) {
	for _, ob := range o {
		ob.SessionClosed(s)
	}
}

func (o Observers) SessionDiscarded(s Session) {
	for _, ob := range o {
		ob.SessionDiscarded(s)
	}
}
