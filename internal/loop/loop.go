// Package loop provides the single logical thread every tracker runs on.
//
// Tickers and probe completions never touch tracker state directly; they
// post closures to a [Loop], which runs them one at a time. Probes run in
// their own goroutines and report back through the same queue, so no two
// state mutations ever overlap even though OS queries are asynchronous.
package loop

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"
)

// queueSize bounds the number of pending closures. Pollers fire every few
// seconds, so a full queue means the loop goroutine is stuck.
const queueSize = 64

// Loop serializes closures onto one goroutine.
type Loop struct {
	clock  quartz.Clock
	logger *slog.Logger
	inline bool

	queue chan func()
	done  chan struct{}
	once  sync.Once
}

// New creates a loop that runs posted closures on the goroutine calling
// [Loop.Run].
func New(clock quartz.Clock, logger *slog.Logger) *Loop {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		clock:  clock,
		logger: logger,
		queue:  make(chan func(), queueSize),
		done:   make(chan struct{}),
	}
}

// NewInline creates a loop that runs posted closures and probes
// synchronously on the caller's goroutine. It gives tests a fully
// deterministic tracker without a running loop goroutine; Run is not
// needed and returns immediately.
func NewInline(clock quartz.Clock, logger *slog.Logger) *Loop {
	l := New(clock, logger)
	l.inline = true
	return l
}

// Clock returns the loop's clock.
func (l *Loop) Clock() quartz.Clock {
	return l.clock
}

// Run drains the queue until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	if l.inline {
		return nil
	}
	defer l.once.Do(func() { close(l.done) })
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-l.queue:
			fn()
		}
	}
}

// Post schedules fn on the loop. After the loop has stopped, Post drops
// fn. Post must not be called from a closure already running on the loop.
func (l *Loop) Post(fn func()) {
	if l.inline {
		fn()
		return
	}
	select {
	case l.queue <- fn:
	case <-l.done:
	}
}

// Do runs fn on the loop and waits for it to finish, or for ctx to end.
// It is how code outside the loop (HTTP handlers, publishers, shutdown)
// reads or mutates tracker state.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	if l.inline {
		fn()
		return nil
	}
	finished := make(chan struct{})
	select {
	case l.queue <- func() { fn(); close(finished) }:
	case <-l.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Every posts fn to the loop every d until ctx is cancelled. The name
// tags the underlying ticker for mock-clock traps.
func (l *Loop) Every(ctx context.Context, d time.Duration, name string, fn func()) quartz.Waiter {
	return l.clock.TickerFunc(ctx, d, func() error {
		l.Post(fn)
		return nil
	}, "loop", name)
}
