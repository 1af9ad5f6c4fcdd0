// Package window tracks the foreground application. It keeps the primary
// activity chain plus two call sub-chains: meetings running in a
// recognized browser tab, and dedicated call apps held in the foreground.
package window

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/coder/quartz"

	"github.com/nugget/dwell/internal/classify"
	"github.com/nugget/dwell/internal/loop"
	"github.com/nugget/dwell/internal/probe"
	"github.com/nugget/dwell/internal/session"
)

// DefaultInterval is the foreground poll period.
const DefaultInterval = 5 * time.Second

// Classifier resolves foreground windows. *classify.Classifier
// implements it.
type Classifier interface {
	Classify(app, title string) classify.Result
	Meeting(app, title string) (string, bool)
	CallApp(app string) (string, bool)
}

// Config tunes a [Tracker].
type Config struct {
	// Interval between foreground polls. Zero uses DefaultInterval.
	Interval time.Duration
	// ProbeTimeout bounds one foreground query. Zero uses
	// loop.DefaultProbeTimeout.
	ProbeTimeout time.Duration
	// SelfApp is this program's own app name. Polls that find it in
	// the foreground are ignored entirely.
	SelfApp string
	// SplitHistoryDepth bounds the primary chain's rewind stack. Zero
	// uses session.DefaultSplitHistoryDepth.
	SplitHistoryDepth int
}

// Snapshot is a point-in-time view of the tracker for status surfaces.
type Snapshot struct {
	Paused     bool             `json:"paused"`
	Current    *session.Session `json:"current,omitempty"`
	Meeting    *session.Session `json:"meeting,omitempty"`
	CallApp    *session.Session `json:"call_app,omitempty"`
	LastPollAt time.Time        `json:"last_poll_at,omitzero"`
	LastError  string           `json:"last_error,omitempty"`
}

// Tracker polls the foreground window and maintains the activity
// session chain. All methods must be called on the tracker's loop.
type Tracker struct {
	loop       *loop.Loop
	clock      quartz.Clock
	fg         probe.Foreground
	classifier Classifier
	cfg        Config
	logger     *slog.Logger

	primary *session.Lifecycle
	meeting *session.Lifecycle
	callApp *session.Lifecycle
	guard   *loop.Guard

	paused  bool
	stopped bool
	cancel  context.CancelFunc

	lastPollAt time.Time
	lastErr    error
}

// New creates a tracker writing activity rows through activity and
// meeting/call-app rows through calls.
func New(l *loop.Loop, activity, calls session.Recorder, fg probe.Foreground, c Classifier, cfg Config, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "window")
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}

	primary := session.NewLifecycle(activity, session.StreamActivity, logger)
	primary.EnableSplitHistory(cfg.SplitHistoryDepth)

	return &Tracker{
		loop:       l,
		clock:      l.Clock(),
		fg:         fg,
		classifier: c,
		cfg:        cfg,
		logger:     logger,
		primary:    primary,
		meeting:    session.NewLifecycle(calls, session.StreamCall, logger.With("chain", "meeting")),
		callApp:    session.NewLifecycle(calls, session.StreamCall, logger.With("chain", "call_app")),
		guard:      loop.NewGuard(l, "window", cfg.ProbeTimeout),
	}
}

// SetObserver installs o on all three chains.
func (t *Tracker) SetObserver(o session.Observer) {
	t.primary.SetObserver(o)
	t.meeting.SetObserver(o)
	t.callApp.SetObserver(o)
}

// Start begins periodic polling and polls once immediately.
func (t *Tracker) Start(ctx context.Context) {
	if t.cancel != nil {
		return
	}
	t.stopped = false
	tctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.loop.Every(tctx, t.cfg.Interval, "window", func() { t.Poll(tctx) })
	t.Poll(tctx)
}

// Poll runs one poll cycle. It is a no-op while paused, stopped, or
// while the previous foreground probe is still in flight.
func (t *Tracker) Poll(ctx context.Context) {
	if t.paused || t.stopped {
		return
	}
	loop.Probe(t.guard, ctx, t.fg.Foreground, func(w probe.Window, err error) {
		t.apply(ctx, w, err)
	})
}

func (t *Tracker) apply(ctx context.Context, w probe.Window, err error) {
	if t.paused || t.stopped {
		return
	}
	now := t.clock.Now()
	t.lastPollAt = now
	t.lastErr = err
	if err != nil {
		t.logger.Debug("foreground probe failed", "error", err)
		return
	}
	app := strings.TrimSpace(w.App)
	if app == "" {
		t.logger.Debug("foreground probe returned no app")
		return
	}
	if t.cfg.SelfApp != "" && strings.EqualFold(app, t.cfg.SelfApp) {
		return
	}

	res := t.classifier.Classify(app, w.Title)

	// Split before evaluating any change so no row is carried across an
	// hour edge even when the foreground is unchanged.
	for _, lc := range []*session.Lifecycle{t.primary, t.meeting, t.callApp} {
		if err := lc.SplitAtHourBoundary(ctx, now); err != nil {
			t.logger.Warn("hour split failed", "error", err)
		}
	}

	meetingLabel, inMeeting := t.classifier.Meeting(app, w.Title)
	t.syncSubChain(ctx, t.meeting, meetingLabel, inMeeting, now)
	callLabel, onCallApp := t.classifier.CallApp(app)
	t.syncSubChain(ctx, t.callApp, callLabel, onCallApp, now)

	if cur, ok := t.primary.Current(); ok && cur.Label == res.Label && cur.Meta.WindowTitle == w.Title {
		return
	}
	if err := t.primary.Close(ctx, now); err != nil {
		t.logger.Warn("failed to close activity session", "error", err)
	}
	meta := session.Metadata{WindowTitle: w.Title, Category: res.Category}
	if err := t.primary.Open(ctx, res.Label, meta, now); err != nil {
		t.logger.Warn("failed to open activity session", "error", err)
		return
	}
	t.logger.Debug("foreground changed", "app", app, "label", res.Label, "category", res.Category)
}

// syncSubChain opens lc when detected, closes it when not, and restarts
// it when the detected label changed.
func (t *Tracker) syncSubChain(ctx context.Context, lc *session.Lifecycle, label string, detected bool, now time.Time) {
	cur, active := lc.Current()
	if active && (!detected || cur.Label != label) {
		if err := lc.Close(ctx, now); err != nil {
			t.logger.Warn("failed to close call session", "label", cur.Label, "error", err)
		}
		active = false
	}
	if detected && !active {
		if err := lc.Open(ctx, label, session.Metadata{}, now); err != nil {
			t.logger.Warn("failed to open call session", "label", label, "error", err)
		}
	}
}

// Pause closes the primary session at at, which may lie in the past, and
// suspends polling until [Tracker.Resume]. Hour splits made after at are
// rewound.
func (t *Tracker) Pause(ctx context.Context, at time.Time) {
	t.paused = true
	t.guard.Reset()
	if err := t.primary.Close(ctx, at); err != nil {
		t.logger.Warn("failed to close activity session on pause", "error", err)
	}
	t.logger.Debug("window tracking paused", "at", at)
}

// Resume re-enables polling and polls immediately.
func (t *Tracker) Resume(ctx context.Context) {
	t.guard.Reset()
	t.paused = false
	t.logger.Debug("window tracking resumed")
	t.Poll(ctx)
}

// Paused reports whether polling is suspended.
func (t *Tracker) Paused() bool {
	return t.paused
}

// HasActiveMeeting reports whether either call sub-chain is open.
func (t *Tracker) HasActiveMeeting() bool {
	return t.meeting.Active() || t.callApp.Active()
}

// Stop cancels polling and closes every open chain at the current time.
// Probe results arriving afterwards are ignored. A pause does not
// survive Stop.
func (t *Tracker) Stop(ctx context.Context) {
	t.stopped = true
	t.paused = false
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.guard.Reset()
	now := t.clock.Now()
	for _, lc := range []*session.Lifecycle{t.primary, t.meeting, t.callApp} {
		if err := lc.Close(ctx, now); err != nil {
			t.logger.Warn("failed to close session on stop", "error", err)
		}
	}
}

// Snapshot reports the tracker's current state.
func (t *Tracker) Snapshot() Snapshot {
	s := Snapshot{Paused: t.paused, LastPollAt: t.lastPollAt}
	if t.lastErr != nil {
		s.LastError = t.lastErr.Error()
	}
	if cur, ok := t.primary.Current(); ok {
		s.Current = &cur
	}
	if cur, ok := t.meeting.Current(); ok {
		s.Meeting = &cur
	}
	if cur, ok := t.callApp.Current(); ok {
		s.CallApp = &cur
	}
	return s
}
