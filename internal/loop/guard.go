package loop

import (
	"context"
	"time"

	"github.com/coder/quartz"
)

// DefaultProbeTimeout bounds how long a single OS probe may run before
// its guard is force-cleared.
const DefaultProbeTimeout = 10 * time.Second

// Guard is a single-flight busy flag for one poller. A probe acquires
// it, and only its own completion (or the safety timer) releases it, so
// a slow probe can never overlap the next tick's probe. Each acquisition
// gets a new generation; completions from an older generation are
// discarded, which makes late results after a reset or stop harmless.
//
// A Guard must only be touched from its loop.
type Guard struct {
	name    string
	loop    *Loop
	timeout time.Duration

	busy  bool
	gen   uint64
	timer *quartz.Timer
}

// NewGuard creates an idle guard. A timeout <= 0 uses
// [DefaultProbeTimeout].
func NewGuard(l *Loop, name string, timeout time.Duration) *Guard {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Guard{name: name, loop: l, timeout: timeout}
}

// Busy reports whether a probe is in flight.
func (g *Guard) Busy() bool {
	return g.busy
}

// Reset force-clears the guard and invalidates any in-flight probe.
func (g *Guard) Reset() {
	g.gen++
	g.busy = false
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}

func (g *Guard) acquire() (uint64, bool) {
	if g.busy {
		return 0, false
	}
	g.busy = true
	g.gen++
	gen := g.gen
	g.timer = g.loop.clock.AfterFunc(g.timeout, func() {
		g.loop.Post(func() {
			if g.busy && g.gen == gen {
				g.loop.logger.Warn("probe did not complete, clearing busy flag",
					"poller", g.name,
					"timeout", g.timeout,
				)
				g.Reset()
			}
		})
	}, "guard", g.name)
	return gen, true
}

// release reports whether gen is still the live acquisition, clearing
// the guard if so.
func (g *Guard) release(gen uint64) bool {
	if !g.busy || g.gen != gen {
		return false
	}
	g.busy = false
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	return true
}

// Probe runs call under guard g and delivers its result to done on the
// loop. It returns false without calling anything when a previous probe
// is still in flight. The probe's context is cancelled after the guard's
// timeout. done is not called for results that arrive after the guard
// was reset or timed out.
func Probe[T any](g *Guard, ctx context.Context, call func(context.Context) (T, error), done func(T, error)) bool {
	gen, ok := g.acquire()
	if !ok {
		g.loop.logger.Debug("probe still in flight, skipping tick", "poller", g.name)
		return false
	}

	finish := func(v T, err error) {
		if !g.release(gen) {
			g.loop.logger.Debug("discarding stale probe result", "poller", g.name)
			return
		}
		done(v, err)
	}

	pctx, cancel := context.WithTimeout(ctx, g.timeout)
	if g.loop.inline {
		v, err := call(pctx)
		cancel()
		finish(v, err)
		return true
	}
	go func() {
		defer cancel()
		v, err := call(pctx)
		g.loop.Post(func() { finish(v, err) })
	}()
	return true
}
