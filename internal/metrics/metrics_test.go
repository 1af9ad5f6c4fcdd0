package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nugget/dwell/internal/session"
	"github.com/nugget/dwell/internal/session/sessiontest"
)

func TestSessions_CountsByStream(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSessions(reg)

	a := session.Session{ID: 1, Stream: session.StreamActivity, Label: "Terminal"}
	m.SessionOpened(a)
	a.Duration = 90 * time.Second
	m.SessionClosed(a)
	m.SessionOpened(session.Session{ID: 2, Stream: session.StreamActivity, Label: "Safari"})
	m.SessionOpened(session.Session{ID: 3, Stream: session.StreamCall, Label: "Zoom"})

	if got := promtest.ToFloat64(m.Opened.WithLabelValues("activity")); got != 2 {
		t.Errorf("opened{activity} = %v, want 2", got)
	}
	if got := promtest.ToFloat64(m.Open.WithLabelValues("activity")); got != 1 {
		t.Errorf("open{activity} = %v, want 1", got)
	}
	if got := promtest.ToFloat64(m.Open.WithLabelValues("call")); got != 1 {
		t.Errorf("open{call} = %v, want 1", got)
	}
	if got := promtest.CollectAndCount(m.Duration); got != 1 {
		t.Errorf("duration series = %d, want 1", got)
	}
}

func TestSessions_IdleRowsDoNotTouchOpenGauge(t *testing.T) {
	m := NewSessions(prometheus.NewRegistry())
	m.SessionClosed(session.Session{Stream: session.StreamIdle, Label: session.IdleLabel, IsIdle: true, Duration: time.Hour})

	if got := promtest.ToFloat64(m.Open.WithLabelValues("idle")); got != 0 {
		t.Errorf("open{idle} = %v, want 0", got)
	}
	if got := promtest.ToFloat64(m.Closed.WithLabelValues("idle")); got != 1 {
		t.Errorf("closed{idle} = %v, want 1", got)
	}
}

func TestSessions_Discarded(t *testing.T) {
	ctx := context.Background()
	m := NewSessions(prometheus.NewRegistry())
	lc := session.NewLifecycle(sessiontest.New(), session.StreamActivity, nil)
	lc.SetObserver(m)
	lc.EnableSplitHistory(0)

	base := time.Date(2026, 3, 9, 13, 40, 0, 0, time.UTC)
	_ = lc.Open(ctx, "Editor", session.Metadata{}, base)
	_ = lc.SplitAtHourBoundary(ctx, base.Add(25*time.Minute))
	// Rewinding the 14:00 split reopens the 13:40 row.
	_ = lc.Close(ctx, base.Add(10*time.Minute))

	if got := promtest.ToFloat64(m.Discarded.WithLabelValues("activity")); got != 1 {
		t.Errorf("discarded = %v, want 1", got)
	}
	if got := promtest.ToFloat64(m.Open.WithLabelValues("activity")); got != 0 {
		t.Errorf("open after rewind and close = %v, want 0", got)
	}

	// An empty row at a boundary is deleted and leaves nothing open.
	_ = lc.Open(ctx, "Mail", session.Metadata{}, base.Add(20*time.Minute))
	_ = lc.Close(ctx, base.Add(20*time.Minute))
	if got := promtest.ToFloat64(m.Open.WithLabelValues("activity")); got != 0 {
		t.Errorf("open after boundary discard = %v, want 0", got)
	}
	if got := promtest.ToFloat64(m.Discarded.WithLabelValues("activity")); got != 2 {
		t.Errorf("discarded = %v, want 2", got)
	}
}

func TestNewRegistry_Gathers(t *testing.T) {
	reg := NewRegistry()
	NewSessions(reg).SessionOpened(session.Session{Stream: session.StreamMedia})
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "dwell_sessions_opened_total" {
			found = true
		}
	}
	if !found {
		t.Error("dwell_sessions_opened_total not gathered")
	}
}
