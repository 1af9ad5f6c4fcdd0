// Package media tracks background playback: audio or video playing
// somewhere other than the frontmost window. The probe is costly, so it
// polls far less often than the foreground tracker.
package media

import (
	"context"
	"log/slog"
	"time"

	"github.com/coder/quartz"

	"github.com/nugget/dwell/internal/loop"
	"github.com/nugget/dwell/internal/probe"
	"github.com/nugget/dwell/internal/session"
)

// DefaultInterval is the playback poll period.
const DefaultInterval = 30 * time.Second

// Config tunes a [Tracker].
type Config struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
}

type detection struct {
	playback probe.Playback
	ok       bool
}

// Tracker owns the single background media chain. All methods must be
// called on the tracker's loop.
type Tracker struct {
	loop   *loop.Loop
	clock  quartz.Clock
	probe  probe.PlaybackDetector
	cfg    Config
	logger *slog.Logger
	guard  *loop.Guard
	chain  *session.Lifecycle

	cancel  context.CancelFunc
	stopped bool
}

// New creates a tracker writing media rows through rec.
func New(l *loop.Loop, rec session.Recorder, p probe.PlaybackDetector, cfg Config, logger *slog.Logger) *Tracker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "media")
	return &Tracker{
		loop:   l,
		clock:  l.Clock(),
		probe:  p,
		cfg:    cfg,
		logger: logger,
		guard:  loop.NewGuard(l, "media", cfg.ProbeTimeout),
		chain:  session.NewLifecycle(rec, session.StreamMedia, logger),
	}
}

// SetObserver installs o on the media chain.
func (t *Tracker) SetObserver(o session.Observer) {
	t.chain.SetObserver(o)
}

// Start begins polling.
func (t *Tracker) Start(ctx context.Context) {
	if t.cancel != nil {
		return
	}
	t.stopped = false
	tctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.loop.Every(tctx, t.cfg.Interval, "media", func() { t.Poll(tctx) })
}

// Restart recreates the ticker and guard, keeping the open chain.
func (t *Tracker) Restart(ctx context.Context) {
	t.halt()
	t.Start(ctx)
}

// Stop cancels polling and closes the chain at the current time.
func (t *Tracker) Stop(ctx context.Context) {
	t.halt()
	if err := t.chain.Close(ctx, t.clock.Now()); err != nil {
		t.logger.Warn("failed to close media session on stop", "error", err)
	}
}

func (t *Tracker) halt() {
	t.stopped = true
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.guard.Reset()
}

// Poll probes for background playback once.
func (t *Tracker) Poll(ctx context.Context) {
	if t.stopped {
		return
	}
	loop.Probe(t.guard, ctx, func(pctx context.Context) (detection, error) {
		p, ok, err := t.probe.Playback(pctx)
		return detection{playback: p, ok: ok}, err
	}, func(d detection, err error) {
		if err != nil {
			t.logger.Debug("playback probe failed", "error", err)
			return
		}
		t.apply(ctx, d)
	})
}

func (t *Tracker) apply(ctx context.Context, d detection) {
	if t.stopped {
		return
	}
	now := t.clock.Now()
	cur, active := t.chain.Current()

	switch {
	case d.ok && active && cur.Label == d.playback.Label():
		if err := t.chain.SplitAtHourBoundary(ctx, now); err != nil {
			t.logger.Warn("hour split failed", "error", err)
		}
		return
	case !d.ok && !active:
		return
	}

	if active {
		if err := t.chain.Close(ctx, now); err != nil {
			t.logger.Warn("failed to close media session", "error", err)
		}
		t.logger.Debug("background playback ended", "label", cur.Label)
	}
	if d.ok {
		meta := session.Metadata{WindowTitle: d.playback.Title}
		if err := t.chain.Open(ctx, d.playback.Label(), meta, now); err != nil {
			t.logger.Warn("failed to open media session", "error", err)
			return
		}
		t.logger.Debug("background playback started", "label", d.playback.Label(), "title", d.playback.Title)
	}
}

// Current returns the open media row, if any.
func (t *Tracker) Current() (session.Session, bool) {
	return t.chain.Current()
}
