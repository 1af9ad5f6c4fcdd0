// Package idle detects when the user steps away. It polls the system
// idle time and runs a two-threshold Active/Idle state machine so that
// brief pauses around the threshold do not flap.
package idle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/quartz"

	"github.com/nugget/dwell/internal/hourseg"
	"github.com/nugget/dwell/internal/loop"
	"github.com/nugget/dwell/internal/probe"
)

// Defaults for [Config].
const (
	DefaultInterval        = 15 * time.Second
	DefaultStartThreshold  = 300 * time.Second
	DefaultResumeThreshold = 10 * time.Second
)

// State is the detector's view of the user.
type State int

const (
	Active State = iota
	Idle
)

func (s State) String() string {
	if s == Idle {
		return "idle"
	}
	return "active"
}

// Config tunes a [Detector]. Zero values take the defaults.
type Config struct {
	Interval        time.Duration
	StartThreshold  time.Duration
	ResumeThreshold time.Duration
	ProbeTimeout    time.Duration
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.StartThreshold <= 0 {
		c.StartThreshold = DefaultStartThreshold
	}
	if c.ResumeThreshold <= 0 {
		c.ResumeThreshold = DefaultResumeThreshold
	}
}

// Detector tracks the Active/Idle state. All methods must be called on
// the detector's loop.
type Detector struct {
	loop   *loop.Loop
	clock  quartz.Clock
	probe  probe.IdleTimer
	cfg    Config
	logger *slog.Logger
	guard  *loop.Guard

	state         State
	idleStartedAt time.Time
	lastIdle      time.Duration

	onStart func(at time.Time)
	onEnd   func(start, end time.Time)

	cancel  context.CancelFunc
	stopped bool
}

// New creates a detector. It fails unless ResumeThreshold is strictly
// below StartThreshold.
func New(l *loop.Loop, p probe.IdleTimer, cfg Config, logger *slog.Logger) (*Detector, error) {
	cfg.applyDefaults()
	if cfg.ResumeThreshold >= cfg.StartThreshold {
		return nil, fmt.Errorf("idle resume threshold %s must be below start threshold %s",
			cfg.ResumeThreshold, cfg.StartThreshold)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		loop:    l,
		clock:   l.Clock(),
		probe:   p,
		cfg:     cfg,
		logger:  logger.With("component", "idle"),
		guard:   loop.NewGuard(l, "idle", cfg.ProbeTimeout),
		onStart: func(time.Time) {},
		onEnd:   func(time.Time, time.Time) {},
	}, nil
}

// OnIdleStart sets the callback invoked on Active→Idle with the
// retroactive moment input stopped.
func (d *Detector) OnIdleStart(fn func(at time.Time)) {
	d.onStart = fn
}

// OnIdleEnd sets the callback invoked on Idle→Active with the idle
// period's start and the moment activity was noticed.
func (d *Detector) OnIdleEnd(fn func(start, end time.Time)) {
	d.onEnd = fn
}

// Start begins polling.
func (d *Detector) Start(ctx context.Context) {
	if d.cancel != nil {
		return
	}
	d.stopped = false
	tctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.loop.Every(tctx, d.cfg.Interval, "idle", func() { d.Poll(tctx) })
}

// Stop cancels polling. The current state is kept.
func (d *Detector) Stop() {
	d.stopped = true
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.guard.Reset()
}

// Restart tears down the poll ticker and probe guard and starts them
// again, keeping the current state.
func (d *Detector) Restart(ctx context.Context) {
	d.Stop()
	d.Start(ctx)
}

// Reset returns the detector to Active without invoking callbacks.
func (d *Detector) Reset() {
	d.state = Active
	d.idleStartedAt = time.Time{}
}

// Poll samples the idle time once.
func (d *Detector) Poll(ctx context.Context) {
	if d.stopped {
		return
	}
	loop.Probe(d.guard, ctx, d.probe.IdleTime, func(idle time.Duration, err error) {
		if err != nil {
			d.logger.Debug("idle probe failed", "error", err)
			return
		}
		d.Observe(idle)
	})
}

// Observe feeds one idle-time sample into the state machine.
func (d *Detector) Observe(idle time.Duration) {
	if d.stopped {
		return
	}
	now := hourseg.Millis(d.clock.Now())
	d.lastIdle = idle

	switch d.state {
	case Active:
		if idle < d.cfg.StartThreshold {
			return
		}
		d.state = Idle
		d.idleStartedAt = hourseg.Millis(now.Add(-idle))
		d.logger.Info("user idle", "since", d.idleStartedAt, "idle", idle)
		d.onStart(d.idleStartedAt)
	case Idle:
		if idle >= d.cfg.ResumeThreshold {
			return
		}
		start := d.idleStartedAt
		d.state = Active
		d.idleStartedAt = time.Time{}
		d.logger.Info("user active", "idle_since", start, "idle_for", now.Sub(start))
		d.onEnd(start, now)
	}
}

// State returns the current state.
func (d *Detector) State() State {
	return d.state
}

// IdleSince returns when the current idle period began. ok is false
// while active.
func (d *Detector) IdleSince() (time.Time, bool) {
	if d.state != Idle {
		return time.Time{}, false
	}
	return d.idleStartedAt, true
}

// LastSample returns the most recent idle-time sample.
func (d *Detector) LastSample() time.Duration {
	return d.lastIdle
}
