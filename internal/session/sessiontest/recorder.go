// Package sessiontest provides an in-memory [session.Recorder] that logs
// every call, plus invariant checks shared by the tracker test suites.
package sessiontest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/nugget/dwell/internal/hourseg"
	"github.com/nugget/dwell/internal/session"
)

// Op is one recorded call against the recorder.
type Op struct {
	Kind      string // "insert", "update", "delete"
	ID        int64
	Label     string
	StartedAt time.Time
	EndedAt   time.Time
}

// Recorder is an in-memory session.Recorder. Set FailInsert, FailUpdate
// or FailDelete to make the corresponding calls return an error.
type Recorder struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]session.Session
	ops    []Op

	FailInsert bool
	FailUpdate bool
	FailDelete bool
}

// New returns an empty recorder.
func New() *Recorder {
	return &Recorder{rows: make(map[int64]session.Session)}
}

var errInjected = errors.New("injected store failure")

func (r *Recorder) Insert(_ context.Context, s session.Session) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailInsert {
		return 0, errInjected
	}
	r.nextID++
	s.ID = r.nextID
	if !s.EndedAt.IsZero() {
		s.Duration = s.EndedAt.Sub(s.StartedAt)
	}
	r.rows[s.ID] = s
	r.ops = append(r.ops, Op{Kind: "insert", ID: s.ID, Label: s.Label, StartedAt: s.StartedAt, EndedAt: s.EndedAt})
	return s.ID, nil
}

func (r *Recorder) Update(_ context.Context, id int64, endedAt, startedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailUpdate {
		return errInjected
	}
	s, ok := r.rows[id]
	if !ok {
		return fmt.Errorf("update %d: %w", id, session.ErrNotFound)
	}
	s.StartedAt = startedAt
	s.EndedAt = endedAt
	s.Duration = endedAt.Sub(startedAt)
	r.rows[id] = s
	r.ops = append(r.ops, Op{Kind: "update", ID: id, Label: s.Label, StartedAt: startedAt, EndedAt: endedAt})
	return nil
}

func (r *Recorder) Delete(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailDelete {
		return errInjected
	}
	s, ok := r.rows[id]
	if !ok {
		return fmt.Errorf("delete %d: %w", id, session.ErrNotFound)
	}
	delete(r.rows, id)
	r.ops = append(r.ops, Op{Kind: "delete", ID: id, Label: s.Label})
	return nil
}

// Ops returns a copy of every recorded call in order.
func (r *Recorder) Ops() []Op {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Op(nil), r.ops...)
}

// Count returns how many calls of kind were recorded.
func (r *Recorder) Count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, op := range r.ops {
		if op.Kind == kind {
			n++
		}
	}
	return n
}

// Rows returns the surviving rows ordered by start time then id.
func (r *Recorder) Rows() []session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]session.Session, 0, len(r.rows))
	for _, s := range r.rows {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Open returns the rows that have not been closed.
func (r *Recorder) Open() []session.Session {
	var out []session.Session
	for _, s := range r.Rows() {
		if s.Open() {
			out = append(out, s)
		}
	}
	return out
}

// CheckInvariants fails t when any closed row has a negative or
// inconsistent duration, spans an hour boundary, or when two open rows
// share a label.
func CheckInvariants(t testing.TB, rows []session.Session) {
	t.Helper()
	openLabels := make(map[string]int64)
	for _, s := range rows {
		if s.Open() {
			if other, dup := openLabels[s.Label]; dup {
				t.Errorf("rows %d and %d are both open for %q", other, s.ID, s.Label)
			}
			openLabels[s.Label] = s.ID
			continue
		}
		if s.EndedAt.Before(s.StartedAt) {
			t.Errorf("row %d (%q) ends before it starts: %v < %v", s.ID, s.Label, s.EndedAt, s.StartedAt)
		}
		if s.Duration != s.EndedAt.Sub(s.StartedAt) {
			t.Errorf("row %d (%q) duration %v != %v", s.ID, s.Label, s.Duration, s.EndedAt.Sub(s.StartedAt))
		}
		if hourseg.HourNumber(s.StartedAt) != hourseg.HourNumber(s.EndedAt.Add(-time.Millisecond)) {
			t.Errorf("row %d (%q) spans an hour boundary: %v → %v", s.ID, s.Label, s.StartedAt.UTC(), s.EndedAt.UTC())
		}
	}
}
