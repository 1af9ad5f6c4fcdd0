// Package call detects calls by the presence of call-indicating
// processes (a Zoom meeting helper, a FaceTime call service). Each
// monitored label owns one session chain on the call stream.
package call

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/dwell/internal/loop"
	"github.com/nugget/dwell/internal/probe"
	"github.com/nugget/dwell/internal/session"
)

// DefaultInterval is the process poll period.
const DefaultInterval = 15 * time.Second

// maxConcurrentProbes bounds the process-table scans in flight at once.
const maxConcurrentProbes = 4

// Target is one monitored call indicator. Several targets may share a
// label; the call is present while any of them runs.
type Target struct {
	Label   string `yaml:"label" json:"label"`
	Process string `yaml:"process" json:"process"`
}

// DefaultTargets are the indicators monitored when none are configured.
func DefaultTargets() []Target {
	return []Target{
		{Label: "Zoom", Process: "CptHost"},
		{Label: "Zoom", Process: "zoom"},
		{Label: "Microsoft Teams", Process: "MSTeams"},
		{Label: "Webex", Process: "webexmta"},
	}
}

// Config tunes a [Detector].
type Config struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
	Targets      []Target
}

// presence is the outcome of probing one label.
type presence struct {
	present bool
	known   bool
}

// Detector polls for call processes. All methods must be called on the
// detector's loop.
type Detector struct {
	loop   *loop.Loop
	clock  quartz.Clock
	probe  probe.ProcessChecker
	rec    session.Recorder
	cfg    Config
	logger *slog.Logger
	guard  *loop.Guard

	chains   map[string]*session.Lifecycle
	observer session.Observer

	cancel  context.CancelFunc
	stopped bool
}

// New creates a detector writing call rows through rec.
func New(l *loop.Loop, rec session.Recorder, p probe.ProcessChecker, cfg Config, logger *slog.Logger) *Detector {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Targets == nil {
		cfg.Targets = DefaultTargets()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		loop:   l,
		clock:  l.Clock(),
		probe:  p,
		rec:    rec,
		cfg:    cfg,
		logger: logger.With("component", "call"),
		guard:  loop.NewGuard(l, "call", cfg.ProbeTimeout),
		chains: make(map[string]*session.Lifecycle),
	}
}

// SetObserver installs o on every chain the detector opens.
func (d *Detector) SetObserver(o session.Observer) {
	d.observer = o
	for _, lc := range d.chains {
		lc.SetObserver(o)
	}
}

// Start begins polling.
func (d *Detector) Start(ctx context.Context) {
	if d.cancel != nil {
		return
	}
	d.stopped = false
	tctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.loop.Every(tctx, d.cfg.Interval, "call", func() { d.Poll(tctx) })
}

// Restart tears down the ticker and guard and starts them again. Open
// chains are kept.
func (d *Detector) Restart(ctx context.Context) {
	d.halt()
	d.Start(ctx)
}

// Stop cancels polling and closes every open chain at the current time.
func (d *Detector) Stop(ctx context.Context) {
	d.halt()
	now := d.clock.Now()
	for _, label := range d.Active() {
		d.closeChain(ctx, label, now)
	}
}

func (d *Detector) halt() {
	d.stopped = true
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.guard.Reset()
}

// Poll splits every open chain at the current hour boundary, then probes
// all targets concurrently and reconciles the chains with the results.
func (d *Detector) Poll(ctx context.Context) {
	if d.stopped {
		return
	}
	if d.guard.Busy() {
		d.logger.Debug("call probes still in flight, skipping tick")
		return
	}
	now := d.clock.Now()
	for label, lc := range d.chains {
		if err := lc.SplitAtHourBoundary(ctx, now); err != nil {
			d.logger.Warn("hour split failed", "label", label, "error", err)
		}
	}
	loop.Probe(d.guard, ctx, d.probeAll, func(res map[string]presence, _ error) {
		d.apply(ctx, res)
	})
}

// probeAll runs on its own goroutine; it must not touch detector state
// other than the immutable config and probe.
func (d *Detector) probeAll(ctx context.Context) (map[string]presence, error) {
	type outcome struct {
		present bool
		err     error
	}
	outcomes := make([]outcome, len(d.cfg.Targets))

	var g errgroup.Group
	g.SetLimit(maxConcurrentProbes)
	for i, target := range d.cfg.Targets {
		g.Go(func() error {
			ok, err := d.probe.ProcessExists(ctx, target.Process)
			outcomes[i] = outcome{present: ok, err: err}
			// A failed probe is no signal for its target only.
			return nil
		})
	}
	_ = g.Wait()

	res := make(map[string]presence, len(d.cfg.Targets))
	failed := make(map[string]bool)
	for i, target := range d.cfg.Targets {
		p := res[target.Label]
		switch o := outcomes[i]; {
		case o.err != nil:
			failed[target.Label] = true
			d.logger.Debug("process probe failed", "process", target.Process, "error", o.err)
		case o.present:
			p.present = true
			p.known = true
		}
		res[target.Label] = p
	}
	for label, p := range res {
		if !p.present && !failed[label] {
			p.known = true
			res[label] = p
		}
	}
	return res, nil
}

func (d *Detector) apply(ctx context.Context, res map[string]presence) {
	if d.stopped {
		return
	}
	now := d.clock.Now()
	labels := make([]string, 0, len(res))
	for label := range res {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	for _, label := range labels {
		p := res[label]
		if !p.known {
			continue
		}
		_, active := d.chains[label]
		switch {
		case p.present && !active:
			d.openChain(ctx, label, now)
		case !p.present && active:
			d.closeChain(ctx, label, now)
		}
	}
}

func (d *Detector) openChain(ctx context.Context, label string, now time.Time) {
	lc := session.NewLifecycle(d.rec, session.StreamCall, d.logger)
	if d.observer != nil {
		lc.SetObserver(d.observer)
	}
	if err := lc.Open(ctx, label, session.Metadata{}, now); err != nil {
		d.logger.Warn("failed to open call session", "label", label, "error", err)
		return
	}
	d.chains[label] = lc
	d.logger.Info("call started", "label", label)
}

func (d *Detector) closeChain(ctx context.Context, label string, now time.Time) {
	lc, ok := d.chains[label]
	if !ok {
		return
	}
	delete(d.chains, label)
	if err := lc.Close(ctx, now); err != nil {
		d.logger.Warn("failed to close call session", "label", label, "error", err)
	}
	d.logger.Info("call ended", "label", label)
}

// HasActiveCalls reports whether any call chain is open.
func (d *Detector) HasActiveCalls() bool {
	return len(d.chains) > 0
}

// Active returns the labels of open calls, sorted.
func (d *Detector) Active() []string {
	out := make([]string, 0, len(d.chains))
	for label := range d.chains {
		out = append(out, label)
	}
	sort.Strings(out)
	return out
}

// Sessions returns the open call rows, sorted by label.
func (d *Detector) Sessions() []session.Session {
	var out []session.Session
	for _, label := range d.Active() {
		if s, ok := d.chains[label].Current(); ok {
			out = append(out, s)
		}
	}
	return out
}
