package session

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// One connection so every query sees the same in-memory database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func ts(h, m int) time.Time {
	return time.Date(2026, 3, 9, h, m, 0, 0, time.UTC)
}

func TestStore_InsertUpdateList(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	rec := s.Stream(StreamActivity)

	id, err := rec.Insert(ctx, Session{
		Label:     "Editor",
		Meta:      Metadata{WindowTitle: "main.go", Category: "Development"},
		StartedAt: ts(10, 0),
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	open, err := s.List(ctx, Filter{Stream: StreamActivity})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(open) != 1 || !open[0].Open() {
		t.Fatalf("List = %+v, want one open row", open)
	}
	if open[0].Meta.Category != "Development" || open[0].Stream != StreamActivity {
		t.Errorf("row = %+v, want activity row with category", open[0])
	}

	if err := rec.Update(ctx, id, ts(10, 25), ts(10, 0)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	rows, err := s.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if rows[0].Duration != 25*time.Minute {
		t.Errorf("duration = %v, want 25m", rows[0].Duration)
	}
	if !rows[0].EndedAt.Equal(ts(10, 25)) {
		t.Errorf("ended_at = %v, want 10:25", rows[0].EndedAt)
	}
}

func TestStore_UpdateRejectsNegative(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	id, err := s.Insert(ctx, Session{Stream: StreamCall, Label: "Zoom", StartedAt: ts(10, 0)})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.Update(ctx, id, ts(9, 0), ts(10, 0)); err == nil {
		t.Error("Update with end before start should fail")
	}
}

func TestStore_UpdateDeleteMissing(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.Update(ctx, 99, ts(10, 0), ts(9, 0)); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update missing = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, 99); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete missing = %v, want ErrNotFound", err)
	}
}

func TestStore_InsertClosedIdleRow(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.Stream(StreamIdle).Insert(ctx, Session{
		Label:     IdleLabel,
		StartedAt: ts(23, 50),
		EndedAt:   ts(23, 59),
		IsIdle:    true,
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	rows, err := s.List(ctx, Filter{Stream: StreamIdle})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 1 || rows[0].Duration != 9*time.Minute || !rows[0].IsIdle {
		t.Errorf("rows = %+v, want one 9m idle row", rows)
	}
}

func TestStore_CloseOrphans(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	a, _ := s.Insert(ctx, Session{Stream: StreamActivity, Label: "Editor", StartedAt: ts(10, 10)})
	b, _ := s.Insert(ctx, Session{Stream: StreamCall, Label: "Zoom", StartedAt: ts(8, 30)})
	c, _ := s.Insert(ctx, Session{Stream: StreamMedia, Label: "Music", StartedAt: ts(10, 50)})
	d, _ := s.Insert(ctx, Session{Stream: StreamActivity, Label: "Mail", StartedAt: ts(11, 0)})

	n, err := s.CloseOrphans(ctx, ts(10, 40))
	if err != nil {
		t.Fatalf("CloseOrphans: %v", err)
	}
	if n != 4 {
		t.Errorf("handled %d orphans, want 4", n)
	}

	rows, err := s.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	byID := make(map[int64]Session)
	for _, r := range rows {
		byID[r.ID] = r
	}
	// Heartbeat inside the row's hour: closed at the heartbeat.
	if got := byID[a].Duration; got != 30*time.Minute {
		t.Errorf("editor duration = %v, want 30m", got)
	}
	// Heartbeat two hours later: clamped to the end of 08:00-09:00.
	if got := byID[b].EndedAt; !got.Equal(ts(9, 0)) {
		t.Errorf("zoom ended_at = %v, want 09:00", got.UTC())
	}
	// Heartbeat before start: zero length.
	if got := byID[c].Duration; got != 0 {
		t.Errorf("music duration = %v, want 0", got)
	}
	// Heartbeat before a row starting on a boundary: deleted.
	if r, ok := byID[d]; ok {
		t.Errorf("mail row = %+v, want deleted", r)
	}

	n, err = s.CloseOrphans(ctx, ts(11, 0))
	if err != nil {
		t.Fatalf("second CloseOrphans: %v", err)
	}
	if n != 0 {
		t.Errorf("second CloseOrphans closed %d, want 0", n)
	}
}

func TestStore_Totals(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	rec := s.Stream(StreamActivity)

	for _, r := range []struct {
		label      string
		start, end time.Time
	}{
		{"Editor", ts(9, 0), ts(9, 30)},
		{"Browser", ts(9, 30), ts(9, 45)},
		{"Editor", ts(9, 45), ts(10, 0)},
		{"Editor", ts(12, 0), ts(12, 10)}, // outside the window
	} {
		id, err := rec.Insert(ctx, Session{Label: r.label, StartedAt: r.start})
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
		if err := rec.Update(ctx, id, r.end, r.start); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}
	// Open rows never count.
	if _, err := rec.Insert(ctx, Session{Label: "Editor", StartedAt: ts(10, 0)}); err != nil {
		t.Fatalf("Insert open: %v", err)
	}

	totals, err := s.Totals(ctx, StreamActivity, ts(9, 0), ts(11, 0))
	if err != nil {
		t.Fatalf("Totals: %v", err)
	}
	if totals["Editor"] != 45*time.Minute {
		t.Errorf("Editor = %v, want 45m", totals["Editor"])
	}
	if totals["Browser"] != 15*time.Minute {
		t.Errorf("Browser = %v, want 15m", totals["Browser"])
	}
}

func TestStore_LifecycleRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	lc := NewLifecycle(s.Stream(StreamActivity), StreamActivity, nil)
	if err := lc.Open(ctx, "Editor", Metadata{}, ts(14, 55)); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := lc.Close(ctx, ts(15, 3)); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rows, err := s.List(ctx, Filter{Stream: StreamActivity})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	// Most recent first.
	if rows[0].Duration != 3*time.Minute || rows[1].Duration != 5*time.Minute {
		t.Errorf("durations = %v, %v; want 3m, 5m", rows[0].Duration, rows[1].Duration)
	}
}

func TestOpen_FileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions_test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open(%q): %v", path, err)
	}
	t.Cleanup(func() { s.Close() })

	if _, err := s.Insert(context.Background(), Session{Stream: StreamActivity, Label: "x", StartedAt: ts(1, 0)}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
}
