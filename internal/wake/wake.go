// Package wake notices when the machine resumed from sleep.
//
// A Watcher ticks on the tracker loop and compares successive wall-clock
// readings. Timers do not fire while the system is suspended, so a gap
// much longer than the tick interval means the machine was asleep in
// between. Each tick also reports an awake heartbeat, which the tracker
// persists for orphan cleanup after a crash.
package wake

import (
	"context"
	"log/slog"
	"time"

	"github.com/coder/quartz"

	"github.com/nugget/dwell/internal/loop"
)

// Defaults for [Config].
const (
	DefaultInterval  = 10 * time.Second
	DefaultThreshold = 30 * time.Second
)

// Gap describes one detected sleep.
type Gap struct {
	// LastSeen is the last tick before the sleep.
	LastSeen time.Time `json:"last_seen"`
	// Resumed is the first tick after it.
	Resumed time.Time `json:"resumed"`
}

// Duration returns the length of the gap.
func (g Gap) Duration() time.Duration {
	return g.Resumed.Sub(g.LastSeen)
}

// Config configures a [Watcher].
type Config struct {
	// Interval between heartbeat ticks (default: 10s).
	Interval time.Duration

	// Threshold is how much longer than Interval a gap between ticks
	// must be to count as a sleep (default: 30s).
	Threshold time.Duration

	// OnTick is called on every tick with the current wall-clock time.
	// Optional.
	OnTick func(now time.Time)

	// OnWake is called on the first tick after a detected sleep.
	// Optional.
	OnWake func(g Gap)

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Status is the watcher's state, suitable for JSON health output.
type Status struct {
	LastSeen time.Time `json:"last_seen"`
	Wakes    int       `json:"wakes"`
	LastWake *Gap      `json:"last_wake,omitempty"`
}

// Watcher detects sleep gaps. Its methods must be called on its loop.
type Watcher struct {
	loop   *loop.Loop
	clock  quartz.Clock
	config Config
	cancel context.CancelFunc

	lastSeen time.Time
	wakes    int
	lastWake *Gap
}

// New creates a watcher. Zero-value config fields take their defaults.
func New(l *loop.Loop, cfg Config) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With("component", "wake")
	return &Watcher{loop: l, clock: l.Clock(), config: cfg}
}

// Start begins ticking. The first tick establishes the baseline.
func (w *Watcher) Start(ctx context.Context) {
	if w.cancel != nil {
		return
	}
	wctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.lastSeen = time.Time{}
	w.loop.Every(wctx, w.config.Interval, "wake", func() { w.Observe(w.clock.Now()) })
	w.Observe(w.clock.Now())
}

// Stop cancels the ticker.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
}

// Observe records a tick at now and reports a wake when the gap since
// the previous tick exceeds the interval plus threshold.
func (w *Watcher) Observe(now time.Time) {
	// Monotonic readings pause during suspend on some platforms; only
	// the wall clock shows the sleep.
	now = now.Round(0)
	prev := w.lastSeen
	w.lastSeen = now

	if !prev.IsZero() && now.Sub(prev) > w.config.Interval+w.config.Threshold {
		g := Gap{LastSeen: prev, Resumed: now}
		w.wakes++
		w.lastWake = &g
		w.config.Logger.Info("resumed from sleep",
			"last_seen", prev,
			"asleep_for", g.Duration().Round(time.Second),
		)
		if w.config.OnWake != nil {
			w.config.OnWake(g)
		}
	}
	if w.config.OnTick != nil {
		w.config.OnTick(now)
	}
}

// Status returns the current status.
func (w *Watcher) Status() Status {
	s := Status{LastSeen: w.lastSeen, Wakes: w.wakes}
	if w.lastWake != nil {
		g := *w.lastWake
		s.LastWake = &g
	}
	return s
}
