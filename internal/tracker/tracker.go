// Package tracker is the composition root of activity tracking. It owns
// the window tracker, idle detector, call detector, background media
// tracker and wake watcher, runs them on one loop, and reconciles them:
// idle pauses window tracking unless a call or meeting is active, idle
// periods are recorded as hour-aligned idle rows, and pollers are
// rebuilt after the machine wakes from sleep.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/dwell/internal/call"
	"github.com/nugget/dwell/internal/events"
	"github.com/nugget/dwell/internal/hourseg"
	"github.com/nugget/dwell/internal/idle"
	"github.com/nugget/dwell/internal/loop"
	"github.com/nugget/dwell/internal/media"
	"github.com/nugget/dwell/internal/probe"
	"github.com/nugget/dwell/internal/session"
	"github.com/nugget/dwell/internal/wake"
	"github.com/nugget/dwell/internal/window"
)

// Recorders are the per-stream persistence targets.
type Recorders struct {
	Activity session.Recorder
	Call     session.Recorder
	Media    session.Recorder
	Idle     session.Recorder
}

// Probes are the OS collaborators. A nil Playback or Process disables
// the corresponding tracker.
type Probes struct {
	Foreground probe.Foreground
	Idle       probe.IdleTimer
	Process    probe.ProcessChecker
	Playback   probe.PlaybackDetector
}

// InputFlusher accumulates input activity and is flushed when an idle
// period begins, so input counts are not attributed to the idle time.
type InputFlusher interface {
	FlushInput(ctx context.Context, at time.Time) error
}

// Heartbeats persists the last time the tracker was known to be awake.
// *opstate.Store implements it.
type Heartbeats interface {
	SetHeartbeat(t time.Time) error
}

// Config holds the per-component settings.
type Config struct {
	Window window.Config
	Idle   idle.Config
	Call   call.Config
	Media  media.Config
	Wake   wake.Config
}

// Deps are the collaborators of a [Tracker]. Loop, Recorders.Activity,
// Recorders.Call, Recorders.Idle, Probes.Foreground, Probes.Idle and
// Classifier are required.
type Deps struct {
	Loop       *loop.Loop
	Recorders  Recorders
	Probes     Probes
	Classifier window.Classifier
	Flusher    InputFlusher
	Heartbeats Heartbeats
	Observer   session.Observer
	Bus        *events.Bus
	Logger     *slog.Logger
}

// IdleStatus is the idle part of a [Snapshot].
type IdleStatus struct {
	State      string        `json:"state"`
	Since      *time.Time    `json:"since,omitempty"`
	Accepted   bool          `json:"accepted"`
	LastSample time.Duration `json:"last_sample_ns"`
}

// Snapshot is the combined state of all trackers.
type Snapshot struct {
	Window window.Snapshot   `json:"window"`
	Idle   IdleStatus        `json:"idle"`
	Calls  []session.Session `json:"calls"`
	Media  *session.Session  `json:"media,omitempty"`
	Wake   wake.Status       `json:"wake"`
}

// Tracker coordinates the pollers. Apart from [Tracker.Status], its
// methods must be called on the tracker's loop.
type Tracker struct {
	loop       *loop.Loop
	logger     *slog.Logger
	bus        *events.Bus
	observer   session.Observer
	idleRec    session.Recorder
	flusher    InputFlusher
	heartbeats Heartbeats

	window *window.Tracker
	idle   *idle.Detector
	calls  *call.Detector
	media  *media.Tracker
	wake   *wake.Watcher

	// ctx is the context passed to Start; callbacks from the idle
	// detector and wake watcher run under it.
	ctx     context.Context
	cancel  context.CancelFunc
	running bool

	// accepted is set when the current idle period paused window
	// tracking. idleSince is its start.
	accepted  bool
	idleSince time.Time

	// wakeCut is where the last wake ended the pre-sleep activity row.
	// Idle never starts before it.
	wakeCut time.Time
}

// New assembles a tracker.
func New(cfg Config, deps Deps) (*Tracker, error) {
	if deps.Loop == nil {
		return nil, errors.New("tracker: loop is required")
	}
	if deps.Recorders.Activity == nil || deps.Recorders.Call == nil || deps.Recorders.Idle == nil {
		return nil, errors.New("tracker: activity, call and idle recorders are required")
	}
	if deps.Probes.Foreground == nil || deps.Probes.Idle == nil {
		return nil, errors.New("tracker: foreground and idle probes are required")
	}
	if deps.Classifier == nil {
		return nil, errors.New("tracker: classifier is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	t := &Tracker{
		loop:       deps.Loop,
		logger:     logger.With("component", "tracker"),
		bus:        deps.Bus,
		observer:   deps.Observer,
		idleRec:    deps.Recorders.Idle,
		flusher:    deps.Flusher,
		heartbeats: deps.Heartbeats,
		ctx:        context.Background(),
	}

	t.window = window.New(deps.Loop, deps.Recorders.Activity, deps.Recorders.Call,
		deps.Probes.Foreground, deps.Classifier, cfg.Window, logger)

	det, err := idle.New(deps.Loop, deps.Probes.Idle, cfg.Idle, logger)
	if err != nil {
		return nil, fmt.Errorf("tracker: %w", err)
	}
	det.OnIdleStart(t.onIdleStart)
	det.OnIdleEnd(t.onIdleEnd)
	t.idle = det

	if deps.Probes.Process != nil {
		t.calls = call.New(deps.Loop, deps.Recorders.Call, deps.Probes.Process, cfg.Call, logger)
	}
	if deps.Probes.Playback != nil && deps.Recorders.Media != nil {
		t.media = media.New(deps.Loop, deps.Recorders.Media, deps.Probes.Playback, cfg.Media, logger)
	}

	wcfg := cfg.Wake
	wcfg.OnTick = t.onHeartbeat
	wcfg.OnWake = t.onWake
	wcfg.Logger = logger
	t.wake = wake.New(deps.Loop, wcfg)

	if deps.Observer != nil {
		t.window.SetObserver(deps.Observer)
		if t.calls != nil {
			t.calls.SetObserver(deps.Observer)
		}
		if t.media != nil {
			t.media.SetObserver(deps.Observer)
		}
	}
	return t, nil
}

// Start starts every poller.
func (t *Tracker) Start(ctx context.Context) {
	if t.running {
		return
	}
	t.running = true
	t.ctx, t.cancel = context.WithCancel(ctx)

	t.wake.Start(t.ctx)
	t.window.Start(t.ctx)
	t.idle.Start(t.ctx)
	if t.calls != nil {
		t.calls.Start(t.ctx)
	}
	if t.media != nil {
		t.media.Start(t.ctx)
	}
	t.logger.Info("tracking started")
}

// Stop stops every poller and closes all open sessions at the current
// time. An accepted idle period still in progress is recorded up to now,
// and the idle detector starts over as active on the next Start.
func (t *Tracker) Stop(ctx context.Context) {
	t.wake.Stop()
	t.idle.Stop()
	t.idle.Reset()
	if t.accepted {
		t.accepted = false
		t.recordIdle(ctx, t.idleSince, t.loop.Clock().Now())
	}
	t.window.Stop(ctx)
	if t.calls != nil {
		t.calls.Stop(ctx)
	}
	if t.media != nil {
		t.media.Stop(ctx)
	}
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.running = false
	t.logger.Info("tracking stopped")
}

func (t *Tracker) hasActiveCalls() bool {
	return t.calls != nil && t.calls.HasActiveCalls()
}

func (t *Tracker) onIdleStart(at time.Time) {
	if reason := t.suppressReason(); reason != "" {
		t.logger.Info("idle suppressed", "since", at, "reason", reason)
		t.publish(events.SourceIdle, events.KindIdleSuppressed, map[string]any{
			"since":  at,
			"reason": reason,
		})
		return
	}

	if at.Before(t.wakeCut) {
		// The pre-sleep row already ends at wakeCut.
		t.logger.Debug("idle start clamped to wake cut", "since", at, "wake_cut", t.wakeCut)
		at = t.wakeCut
	}
	t.window.Pause(t.ctx, at)
	if t.flusher != nil {
		if err := t.flusher.FlushInput(t.ctx, at); err != nil {
			t.logger.Warn("failed to flush input activity", "error", err)
		}
	}
	t.accepted = true
	t.idleSince = at
	t.publish(events.SourceIdle, events.KindIdleStart, map[string]any{"since": at})
}

func (t *Tracker) suppressReason() string {
	switch {
	case t.hasActiveCalls():
		return "call"
	case t.window.HasActiveMeeting():
		return "meeting"
	default:
		return ""
	}
}

func (t *Tracker) onIdleEnd(_, end time.Time) {
	if !t.accepted {
		return
	}
	t.accepted = false
	start := t.idleSince
	n := t.recordIdle(t.ctx, start, end)
	t.publish(events.SourceIdle, events.KindIdleEnd, map[string]any{
		"since":    start,
		"until":    end,
		"segments": n,
	})
	t.window.Resume(t.ctx)
}

// recordIdle persists [start, end) as hour-aligned idle rows and returns
// how many were written. Zero-length segments are skipped.
func (t *Tracker) recordIdle(ctx context.Context, start, end time.Time) int {
	written := 0
	for _, seg := range hourseg.DecomposeInterval(start, end) {
		if seg.Duration <= 0 {
			continue
		}
		s := session.Session{
			Stream:    session.StreamIdle,
			Label:     session.IdleLabel,
			StartedAt: seg.Start,
			EndedAt:   seg.End,
			Duration:  seg.Duration,
			IsIdle:    true,
		}
		id, err := t.idleRec.Insert(ctx, s)
		if err != nil {
			t.logger.Warn("failed to record idle segment",
				"start", seg.Start,
				"end", seg.End,
				"error", err,
			)
			continue
		}
		s.ID = id
		written++
		if t.observer != nil {
			t.observer.SessionClosed(s)
		}
	}
	t.logger.Debug("idle period recorded", "since", start, "until", end, "segments", written)
	return written
}

func (t *Tracker) onHeartbeat(now time.Time) {
	if t.heartbeats == nil {
		return
	}
	if err := t.heartbeats.SetHeartbeat(now); err != nil {
		t.logger.Debug("failed to persist heartbeat", "error", err)
	}
}

// onWake rebuilds the pollers whose tickers and in-flight probes went
// stale during sleep, ends the pre-sleep activity session at the last
// awake heartbeat, and polls the foreground immediately.
func (t *Tracker) onWake(g wake.Gap) {
	t.publish(events.SourceTracker, events.KindWake, map[string]any{
		"last_seen": g.LastSeen,
		"asleep_ms": g.Duration().Milliseconds(),
	})
	if !t.running {
		return
	}
	t.idle.Restart(t.ctx)
	if t.calls != nil {
		t.calls.Restart(t.ctx)
	}
	if t.media != nil {
		t.media.Restart(t.ctx)
	}

	if t.accepted {
		// Already paused by idle; the idle period covers the sleep.
		return
	}
	t.wakeCut = g.LastSeen
	t.window.Pause(t.ctx, g.LastSeen)
	t.window.Resume(t.ctx)
}

func (t *Tracker) publish(source, kind string, data map[string]any) {
	t.bus.Publish(events.Event{
		Timestamp: t.loop.Clock().Now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}

// Snapshot returns the combined tracker state.
func (t *Tracker) Snapshot() Snapshot {
	s := Snapshot{
		Window: t.window.Snapshot(),
		Idle: IdleStatus{
			State:      t.idle.State().String(),
			Accepted:   t.accepted,
			LastSample: t.idle.LastSample(),
		},
		Calls: []session.Session{},
		Wake:  t.wake.Status(),
	}
	if since, ok := t.idle.IdleSince(); ok {
		s.Idle.Since = &since
	}
	if t.calls != nil {
		s.Calls = append(s.Calls, t.calls.Sessions()...)
	}
	if t.media != nil {
		if cur, ok := t.media.Current(); ok {
			s.Media = &cur
		}
	}
	return s
}

// Status reads a snapshot from outside the loop.
func (t *Tracker) Status(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	err := t.loop.Do(ctx, func() { s = t.Snapshot() })
	return s, err
}
