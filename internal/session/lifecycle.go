package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/dwell/internal/hourseg"
)

// DefaultSplitHistoryDepth bounds the rewind stack of chains that keep
// split history. A day of hour splits is far more than a retroactive
// idle timestamp can ever reach back.
const DefaultSplitHistoryDepth = 24

// ErrAlreadyOpen is returned by [Lifecycle.Open] when the chain already
// has an open row.
var ErrAlreadyOpen = errors.New("session already open")

// Lifecycle owns one accumulation chain: the sequence of hour-sized rows
// that together represent one continuous occupancy of a state. At most
// one row of the chain is open at a time.
//
// A Lifecycle is not safe for concurrent use; it is driven from a
// single tracker loop.
type Lifecycle struct {
	rec      Recorder
	stream   Stream
	logger   *slog.Logger
	observer Observer

	current *Session

	// history holds rows closed by hour splits since the chain was
	// opened, oldest first. Only kept when historyDepth > 0.
	history      []Session
	historyDepth int
}

// NewLifecycle creates an inactive lifecycle writing rows of the given
// stream through rec.
func NewLifecycle(rec Recorder, stream Stream, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{
		rec:      rec,
		stream:   stream,
		logger:   logger.With("stream", string(stream)),
		observer: nopObserver{},
	}
}

// SetObserver installs an observer for row changes. A nil observer
// disables notifications.
func (l *Lifecycle) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	l.observer = o
}

// EnableSplitHistory makes the chain remember up to depth rows closed by
// hour splits, so that a close at a timestamp earlier than the current
// row can discard premature splits instead of clamping.
func (l *Lifecycle) EnableSplitHistory(depth int) {
	if depth <= 0 {
		depth = DefaultSplitHistoryDepth
	}
	l.historyDepth = depth
}

// Active reports whether the chain has an open row.
func (l *Lifecycle) Active() bool {
	return l.current != nil
}

// Current returns a copy of the open row, if any.
func (l *Lifecycle) Current() (Session, bool) {
	if l.current == nil {
		return Session{}, false
	}
	return *l.current, true
}

// SplitDepth returns the number of split rows the chain can still rewind.
func (l *Lifecycle) SplitDepth() int {
	return len(l.history)
}

// Open inserts a new open row starting at at and makes it current. A
// new chain starts with empty split history.
func (l *Lifecycle) Open(ctx context.Context, label string, meta Metadata, at time.Time) error {
	if l.current != nil {
		return fmt.Errorf("open %s %q: %w (current %q)", l.stream, label, ErrAlreadyOpen, l.current.Label)
	}

	s := Session{
		Stream:    l.stream,
		Label:     label,
		Meta:      meta,
		StartedAt: hourseg.Millis(at),
		IsIdle:    l.stream == StreamIdle,
	}
	id, err := l.rec.Insert(ctx, s)
	if err != nil {
		return fmt.Errorf("open %s %q: %w", l.stream, label, err)
	}
	s.ID = id

	l.current = &s
	l.history = l.history[:0]
	l.observer.SessionOpened(s)

	l.logger.Debug("session opened",
		"id", s.ID,
		"label", s.Label,
		"started_at", s.StartedAt,
	)
	return nil
}

// SplitAtHourBoundary closes the open row at every hour boundary that
// now has crossed and opens a same-label successor at each boundary.
// It is a no-op for an inactive chain or when no boundary was crossed.
func (l *Lifecycle) SplitAtHourBoundary(ctx context.Context, now time.Time) error {
	if l.current == nil {
		return nil
	}
	return l.splitTo(ctx, hourseg.HourNumber(now))
}

func (l *Lifecycle) splitTo(ctx context.Context, targetHour int64) error {
	for _, b := range hourseg.BoundariesBetween(l.current.StartedAt, targetHour) {
		closed := *l.current
		closed.EndedAt = b
		closed.Duration = b.Sub(closed.StartedAt)
		if err := l.rec.Update(ctx, closed.ID, b, closed.StartedAt); err != nil {
			return fmt.Errorf("split %s %q at %s: %w", l.stream, closed.Label, b.UTC().Format(time.RFC3339), err)
		}

		next := Session{
			Stream:    l.stream,
			Label:     closed.Label,
			Meta:      closed.Meta,
			StartedAt: b,
			IsIdle:    closed.IsIdle,
		}
		id, err := l.rec.Insert(ctx, next)
		if err != nil {
			// The predecessor stays current; it is already closed at b
			// in the store, so a retry rewrites the same end.
			return fmt.Errorf("split %s %q at %s: open successor: %w", l.stream, closed.Label, b.UTC().Format(time.RFC3339), err)
		}
		next.ID = id

		l.pushHistory(closed)
		l.current = &next
		l.observer.SessionClosed(closed)
		l.observer.SessionOpened(next)

		l.logger.Debug("session split at hour boundary",
			"closed_id", closed.ID,
			"opened_id", next.ID,
			"label", next.Label,
			"boundary", b,
		)
	}
	return nil
}

func (l *Lifecycle) pushHistory(s Session) {
	if l.historyDepth <= 0 {
		return
	}
	if len(l.history) >= l.historyDepth {
		l.history = append(l.history[:0], l.history[1:]...)
	}
	l.history = append(l.history, s)
}

// Close ends the chain at end. Any hour boundaries between the open row
// and end are split first, so the final row never spans an hour.
//
// end may be earlier than the open row's start when the caller learned
// about the true end retroactively. With split history enabled, rows
// created by premature splits are deleted and their predecessors
// restored until end falls inside the current row; whatever cannot be
// rewound is clamped so the closed row has zero, never negative,
// duration.
//
// The chain is released even when the final store write fails; the row
// is then left open for orphan cleanup.
func (l *Lifecycle) Close(ctx context.Context, end time.Time) error {
	if l.current == nil {
		return nil
	}
	end = hourseg.Millis(end)
	l.rewind(ctx, end)
	if !end.After(l.current.StartedAt) && hourseg.OnBoundary(l.current.StartedAt) {
		return l.discardCurrent(ctx, end)
	}
	if end.Before(l.current.StartedAt) {
		l.logger.Debug("close precedes session start, clamping",
			"id", l.current.ID,
			"label", l.current.Label,
			"end", end,
			"started_at", l.current.StartedAt,
		)
		end = l.current.StartedAt
	}

	var splitErr error
	if end.After(l.current.StartedAt) {
		// A close landing exactly on a boundary belongs to the earlier
		// hour; target the hour of the last included millisecond.
		if err := l.splitTo(ctx, hourseg.HourNumber(end.Add(-time.Millisecond))); err != nil {
			splitErr = err
			limit := hourseg.HourStart(hourseg.HourNumber(l.current.StartedAt) + 1)
			if end.After(limit) {
				end = limit
			}
		}
	}

	closed := *l.current
	closed.EndedAt = end
	closed.Duration = end.Sub(closed.StartedAt)
	l.current = nil
	l.history = l.history[:0]

	if err := l.rec.Update(ctx, closed.ID, end, closed.StartedAt); err != nil {
		return errors.Join(splitErr, fmt.Errorf("close %s %q: %w", l.stream, closed.Label, err))
	}
	l.observer.SessionClosed(closed)

	l.logger.Debug("session closed",
		"id", closed.ID,
		"label", closed.Label,
		"ended_at", closed.EndedAt,
		"duration", closed.Duration,
	)
	return splitErr
}

// discardCurrent deletes the open row instead of closing it with zero
// length at an hour boundary, where it would belong to no hour. The
// chain is released either way.
func (l *Lifecycle) discardCurrent(ctx context.Context, end time.Time) error {
	discarded := *l.current
	l.current = nil
	l.history = l.history[:0]

	if err := l.rec.Delete(ctx, discarded.ID); err != nil {
		return fmt.Errorf("discard %s %q: %w", l.stream, discarded.Label, err)
	}
	l.observer.SessionDiscarded(discarded)

	l.logger.Debug("discarded zero-length session at hour boundary",
		"id", discarded.ID,
		"label", discarded.Label,
		"end", end,
	)
	return nil
}

// rewind discards rows created by hour splits that end has proven
// premature, restoring each predecessor as the open row. A successor
// whose start equals end is premature too: it would close empty.
func (l *Lifecycle) rewind(ctx context.Context, end time.Time) {
	for !end.After(l.current.StartedAt) && len(l.history) > 0 {
		discarded := *l.current
		if err := l.rec.Delete(ctx, discarded.ID); err != nil {
			l.logger.Warn("failed to discard premature split",
				"id", discarded.ID,
				"label", discarded.Label,
				"error", err,
			)
			return
		}

		prev := l.history[len(l.history)-1]
		l.history = l.history[:len(l.history)-1]
		prev.EndedAt = time.Time{}
		prev.Duration = 0
		l.current = &prev
		l.observer.SessionDiscarded(discarded)
		l.observer.SessionOpened(prev)

		l.logger.Debug("rewound premature hour split",
			"discarded_id", discarded.ID,
			"restored_id", prev.ID,
			"label", prev.Label,
			"end", end,
		)
	}
}
