package events

import (
	"time"

	"github.com/nugget/dwell/internal/session"
)

// SessionPublisher publishes session row changes to a bus. It
// implements session.Observer.
type SessionPublisher struct {
	bus *Bus
	now func() time.Time
}

// NewSessionPublisher returns an observer publishing to bus, stamping
// events with now.
func NewSessionPublisher(bus *Bus, now func() time.Time) *SessionPublisher {
	if now == nil {
		now = time.Now
	}
	return &SessionPublisher{bus: bus, now: now}
}

// SourceFor maps a session stream to its event source.
func SourceFor(s session.Stream) string {
	switch s {
	case session.StreamCall:
		return SourceCall
	case session.StreamMedia:
		return SourceMedia
	case session.StreamIdle:
		return SourceIdle
	default:
		return SourceActivity
	}
}

func (p *SessionPublisher) publish(kind string, s session.Session, data map[string]any) {
	data["id"] = s.ID
	data["label"] = s.Label
	p.bus.Publish(Event{
		Timestamp: p.now(),
		Source:    SourceFor(s.Stream),
		Kind:      kind,
		Data:      data,
	})
}

func (p *SessionPublisher) SessionOpened(s session.Session) {
	data := map[string]any{"started_at": s.StartedAt}
	if s.Meta.Category != "" {
		data["category"] = s.Meta.Category
	}
	if s.Meta.WindowTitle != "" {
		data["window_title"] = s.Meta.WindowTitle
	}
	p.publish(KindSessionOpened, s, data)
}

func (p *SessionPublisher) SessionClosed(s session.Session) {
	p.publish(KindSessionClosed, s, map[string]any{
		"started_at":  s.StartedAt,
		"ended_at":    s.EndedAt,
		"duration_ms": s.Duration.Milliseconds(),
	})
}

func (p *SessionPublisher) SessionDiscarded(s session.Session) {
	p.publish(KindSessionDiscarded, s, map[string]any{})
}
