package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/goleak"

	"github.com/nugget/dwell/internal/call"
	"github.com/nugget/dwell/internal/classify"
	"github.com/nugget/dwell/internal/events"
	"github.com/nugget/dwell/internal/loop"
	"github.com/nugget/dwell/internal/probe"
	"github.com/nugget/dwell/internal/session"
	"github.com/nugget/dwell/internal/session/sessiontest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeOS struct {
	mu       sync.Mutex
	window   probe.Window
	idle     time.Duration
	running  map[string]bool
	playback *probe.Playback
}

func (f *fakeOS) Foreground(context.Context) (probe.Window, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.window, nil
}

func (f *fakeOS) IdleTime(context.Context) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.idle, nil
}

func (f *fakeOS) ProcessExists(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[name], nil
}

func (f *fakeOS) Playback(context.Context) (probe.Playback, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.playback == nil {
		return probe.Playback{}, false, nil
	}
	return *f.playback, true, nil
}

func (f *fakeOS) set(fn func(f *fakeOS)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type flushRecorder struct {
	mu  sync.Mutex
	ats []time.Time
}

func (r *flushRecorder) FlushInput(_ context.Context, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ats = append(r.ats, at)
	return nil
}

type heartbeatRecorder struct {
	mu    sync.Mutex
	beats []time.Time
}

func (r *heartbeatRecorder) SetHeartbeat(t time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beats = append(r.beats, t)
	return nil
}

func (r *heartbeatRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.beats)
}

type harness struct {
	clock    *quartz.Mock
	os       *fakeOS
	activity *sessiontest.Recorder
	calls    *sessiontest.Recorder
	media    *sessiontest.Recorder
	idle     *sessiontest.Recorder
	flusher  *flushRecorder
	beats    *heartbeatRecorder
	bus      *events.Bus
	tracker  *Tracker
}

func newHarness(t *testing.T, start time.Time) *harness {
	t.Helper()
	mClock := quartz.NewMock(t)
	mClock.Set(start)

	cls, err := classify.New(classify.Config{
		Rules:    []classify.Rule{{App: "code", Category: "development", Label: "Editor"}},
		Meetings: []classify.MeetingRule{{Label: "Google Meet", Title: `^Meet - `}},
	})
	if err != nil {
		t.Fatalf("classify.New: %v", err)
	}

	h := &harness{
		clock:    mClock,
		os:       &fakeOS{window: probe.Window{App: "code", Title: "main.go"}, running: map[string]bool{}},
		activity: sessiontest.New(),
		calls:    sessiontest.New(),
		media:    sessiontest.New(),
		idle:     sessiontest.New(),
		flusher:  &flushRecorder{},
		beats:    &heartbeatRecorder{},
		bus:      events.New(),
	}
	tr, err := New(Config{
		Call: call.Config{Targets: []call.Target{{Label: "Zoom", Process: "CptHost"}}},
	}, Deps{
		Loop: loop.NewInline(mClock, nil),
		Recorders: Recorders{
			Activity: h.activity,
			Call:     h.calls,
			Media:    h.media,
			Idle:     h.idle,
		},
		Probes: Probes{
			Foreground: h.os,
			Idle:       h.os,
			Process:    h.os,
			Playback:   h.os,
		},
		Classifier: cls,
		Flusher:    h.flusher,
		Heartbeats: h.beats,
		Bus:        h.bus,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.tracker = tr
	return h
}

// sampleIdle moves the clock to ts and feeds one idle-time sample.
func (h *harness) sampleIdle(ctx context.Context, ts time.Time, idleFor time.Duration) {
	h.clock.Set(ts)
	h.os.set(func(f *fakeOS) { f.idle = idleFor })
	h.tracker.idle.Poll(ctx)
}

func (h *harness) pollWindow(ctx context.Context, ts time.Time) {
	h.clock.Set(ts)
	h.tracker.window.Poll(ctx)
}

func day(d, h, m, s int) time.Time {
	return time.Date(2030, 7, d, h, m, s, 0, time.UTC)
}

func TestTracker_AcceptedIdle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, day(1, 10, 0, 0))

	h.pollWindow(ctx, day(1, 10, 0, 0))
	h.sampleIdle(ctx, day(1, 10, 10, 0), 6*time.Minute)

	if !h.tracker.window.Paused() {
		t.Fatal("accepted idle should pause window tracking")
	}
	rows := h.activity.Rows()
	if len(rows) != 1 || !rows[0].EndedAt.Equal(day(1, 10, 4, 0)) {
		t.Fatalf("activity should close at the retroactive idle start, rows = %+v", rows)
	}
	if len(h.flusher.ats) != 1 || !h.flusher.ats[0].Equal(day(1, 10, 4, 0)) {
		t.Errorf("flush calls = %v", h.flusher.ats)
	}

	h.sampleIdle(ctx, day(1, 10, 30, 0), 2*time.Second)

	idleRows := h.idle.Rows()
	if len(idleRows) != 1 {
		t.Fatalf("got %d idle rows, want 1", len(idleRows))
	}
	if idleRows[0].Label != session.IdleLabel || !idleRows[0].IsIdle || idleRows[0].Duration != 26*time.Minute {
		t.Errorf("idle row = %+v", idleRows[0])
	}
	if h.tracker.window.Paused() {
		t.Fatal("idle end should resume window tracking")
	}
	rows = h.activity.Rows()
	if len(rows) != 2 || !rows[1].StartedAt.Equal(day(1, 10, 30, 0)) {
		t.Errorf("resume should open a session at 10:30, rows = %+v", rows)
	}
}

func TestTracker_IdleSuppressedByCall(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, day(1, 10, 0, 0))
	sub := h.bus.Subscribe(16)
	defer h.bus.Unsubscribe(sub)

	h.pollWindow(ctx, day(1, 10, 0, 0))
	h.os.set(func(f *fakeOS) { f.running["CptHost"] = true })
	h.tracker.calls.Poll(ctx)

	h.sampleIdle(ctx, day(1, 10, 10, 0), 6*time.Minute)
	if h.tracker.window.Paused() {
		t.Fatal("idle during a call must be suppressed")
	}

	// A call ending while idle does not retroactively accept the idle.
	h.os.set(func(f *fakeOS) { f.running["CptHost"] = false })
	h.clock.Set(day(1, 10, 20, 0))
	h.tracker.calls.Poll(ctx)

	h.sampleIdle(ctx, day(1, 10, 30, 0), time.Second)
	if n := len(h.idle.Rows()); n != 0 {
		t.Errorf("suppressed idle wrote %d idle rows", n)
	}
	if open := h.activity.Open(); len(open) != 1 {
		t.Errorf("activity session should stay open, open rows = %+v", open)
	}

	var sawSuppressed bool
	for len(sub) > 0 {
		if e := <-sub; e.Kind == events.KindIdleSuppressed && e.Data["reason"] == "call" {
			sawSuppressed = true
		}
	}
	if !sawSuppressed {
		t.Error("expected an idle_suppressed event")
	}
}

func TestTracker_IdleSuppressedByMeetingTab(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, day(1, 9, 0, 0))

	h.os.set(func(f *fakeOS) { f.window = probe.Window{App: "Google Chrome", Title: "Meet - abc-defg-hij"} })
	h.pollWindow(ctx, day(1, 9, 0, 0))
	h.sampleIdle(ctx, day(1, 9, 20, 0), 10*time.Minute)

	if h.tracker.window.Paused() {
		t.Error("idle during a meeting must be suppressed")
	}
	if len(h.flusher.ats) != 0 {
		t.Error("suppressed idle must not flush input")
	}
}

func TestTracker_IdleAcrossMidnight(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, day(1, 23, 40, 0))

	h.pollWindow(ctx, day(1, 23, 40, 0))
	h.sampleIdle(ctx, day(1, 23, 56, 0), 6*time.Minute)
	// Window polls are no-ops while paused, so no splits accrue.
	h.pollWindow(ctx, day(2, 0, 30, 0))
	h.sampleIdle(ctx, day(2, 2, 20, 0), 0)

	rows := h.idle.Rows()
	want := []time.Duration{10 * time.Minute, time.Hour, time.Hour, 20 * time.Minute}
	if len(rows) != len(want) {
		t.Fatalf("got %d idle rows, want %d: %+v", len(rows), len(want), rows)
	}
	var total time.Duration
	for i, r := range rows {
		if r.Duration != want[i] {
			t.Errorf("row %d duration = %v, want %v", i, r.Duration, want[i])
		}
		total += r.Duration
	}
	if total.Milliseconds() != 9_000_000 {
		t.Errorf("total = %dms, want 9000000", total.Milliseconds())
	}
	sessiontest.CheckInvariants(t, rows)
	sessiontest.CheckInvariants(t, h.activity.Rows())
}

func TestTracker_IdleEndingOnBoundarySkipsEmptySegment(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, day(1, 9, 30, 0))

	h.pollWindow(ctx, day(1, 9, 30, 0))
	h.sampleIdle(ctx, day(1, 9, 45, 0), 5*time.Minute)
	h.sampleIdle(ctx, day(1, 10, 0, 0), 0)

	rows := h.idle.Rows()
	if len(rows) != 1 || rows[0].Duration != 20*time.Minute {
		t.Fatalf("idle rows = %+v, want one 20m row", rows)
	}
}

func TestTracker_IdleRewindsPrematureSplit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, day(1, 14, 50, 0))

	h.pollWindow(ctx, day(1, 14, 50, 0))
	h.pollWindow(ctx, day(1, 15, 0, 5))
	h.sampleIdle(ctx, day(1, 15, 2, 0), 5*time.Minute)

	if h.activity.Count("delete") != 1 {
		t.Errorf("deletes = %d, want 1", h.activity.Count("delete"))
	}
	rows := h.activity.Rows()
	if len(rows) != 1 || !rows[0].EndedAt.Equal(day(1, 14, 57, 0)) {
		t.Errorf("activity rows = %+v, want one row ending 14:57", rows)
	}
	sessiontest.CheckInvariants(t, rows)
}

func TestTracker_WakeCutsSessionAtHeartbeat(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, day(1, 10, 0, 0))
	h.tracker.running = true
	h.tracker.ctx = ctx

	h.pollWindow(ctx, day(1, 10, 0, 0))
	h.tracker.wake.Observe(day(1, 10, 0, 10))

	h.clock.Set(day(1, 12, 0, 0))
	h.tracker.wake.Observe(h.clock.Now())

	rows := h.activity.Rows()
	if len(rows) != 2 {
		t.Fatalf("got %d activity rows, want 2: %+v", len(rows), rows)
	}
	if !rows[0].EndedAt.Equal(day(1, 10, 0, 10)) {
		t.Errorf("pre-sleep row = %+v, want end at last heartbeat", rows[0])
	}
	if !rows[len(rows)-1].Open() || !rows[len(rows)-1].StartedAt.Equal(day(1, 12, 0, 0)) {
		t.Errorf("post-wake row = %+v", rows[len(rows)-1])
	}
	if h.beats.count() != 2 {
		t.Errorf("heartbeats = %d, want 2", h.beats.count())
	}
	if s := h.tracker.Snapshot(); s.Wake.Wakes != 1 {
		t.Errorf("wakes = %d, want 1", s.Wake.Wakes)
	}
	h.tracker.Stop(ctx)
}

func TestTracker_WakeRewindsSplitsMadeAfterSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, day(1, 10, 59, 0))
	h.tracker.running = true
	h.tracker.ctx = ctx

	h.pollWindow(ctx, day(1, 10, 59, 0))
	h.tracker.wake.Observe(day(1, 10, 59, 50))

	// The first foreground poll after waking splits across 11:00 and
	// 12:00 before the wake tick notices the gap.
	h.pollWindow(ctx, day(1, 12, 0, 1))
	h.tracker.wake.Observe(h.clock.Now())

	if got := h.activity.Count("delete"); got != 2 {
		t.Errorf("deletes = %d, want 2", got)
	}
	rows := h.activity.Rows()
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2: %+v", len(rows), rows)
	}
	if !rows[0].StartedAt.Equal(day(1, 10, 59, 0)) || !rows[0].EndedAt.Equal(day(1, 10, 59, 50)) {
		t.Errorf("pre-sleep row = [%v, %v)", rows[0].StartedAt, rows[0].EndedAt)
	}
	if !rows[1].Open() || !rows[1].StartedAt.Equal(day(1, 12, 0, 1)) {
		t.Errorf("post-wake row = %+v", rows[1])
	}
	sessiontest.CheckInvariants(t, rows)
	h.tracker.Stop(ctx)
}

func TestTracker_StopRecordsIdleInProgress(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, day(1, 8, 0, 0))

	h.pollWindow(ctx, day(1, 8, 0, 0))
	h.sampleIdle(ctx, day(1, 8, 30, 0), 10*time.Minute)
	h.clock.Set(day(1, 8, 45, 0))
	h.tracker.Stop(ctx)

	rows := h.idle.Rows()
	if len(rows) != 1 || !rows[0].StartedAt.Equal(day(1, 8, 20, 0)) || rows[0].Duration != 25*time.Minute {
		t.Errorf("idle rows = %+v, want [08:20, 08:45)", rows)
	}
	if open := h.activity.Open(); len(open) != 0 {
		t.Errorf("activity rows left open: %+v", open)
	}
}

func TestTracker_StartStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, day(1, 10, 0, 0))

	h.tracker.Start(ctx)
	if got := h.activity.Count("insert"); got != 1 {
		t.Fatalf("Start should poll the foreground immediately, inserts = %d", got)
	}

	h.os.set(func(f *fakeOS) { f.window = probe.Window{App: "code", Title: "other.go"} })
	h.clock.Advance(5 * time.Second).MustWait(ctx)
	if got := h.activity.Count("insert"); got != 2 {
		t.Errorf("window tick should pick up the title change, inserts = %d", got)
	}

	h.tracker.Stop(ctx)
	if open := h.activity.Open(); len(open) != 0 {
		t.Errorf("rows left open after stop: %+v", open)
	}

	snap, err := h.tracker.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if snap.Window.Current != nil {
		t.Errorf("no current session expected after stop, got %+v", snap.Window.Current)
	}
}

func TestTracker_RestartDuringIdleResumesTracking(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, day(1, 10, 0, 0))

	h.pollWindow(ctx, day(1, 10, 0, 0))
	h.sampleIdle(ctx, day(1, 10, 10, 0), 6*time.Minute)
	if !h.tracker.window.Paused() {
		t.Fatal("accepted idle should pause window tracking")
	}
	h.tracker.Stop(ctx)

	h.clock.Set(day(1, 10, 20, 0))
	h.os.set(func(f *fakeOS) {
		f.idle = 0
		f.window = probe.Window{App: "Safari", Title: "news"}
	})
	h.tracker.Start(ctx)
	h.tracker.idle.Poll(ctx)

	if h.tracker.window.Paused() {
		t.Error("window tracking should not stay paused across a restart")
	}
	if st := h.tracker.idle.State().String(); st != "active" {
		t.Errorf("idle state = %s, want active", st)
	}
	open := h.activity.Open()
	if len(open) != 1 || open[0].Label != "Safari" || !open[0].StartedAt.Equal(day(1, 10, 20, 0)) {
		t.Errorf("open activity = %+v, want Safari from 10:20", open)
	}
	h.tracker.Stop(ctx)
}

func TestTracker_IdleAfterWakeDoesNotOverlapActivity(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, day(1, 10, 0, 0))
	h.tracker.running = true
	h.tracker.ctx = ctx

	h.pollWindow(ctx, day(1, 10, 0, 0))
	h.tracker.wake.Observe(day(1, 10, 4, 0))

	h.clock.Set(day(1, 12, 0, 0))
	h.tracker.wake.Observe(h.clock.Now())

	// The first sample after waking reports input stopped at 10:02,
	// before the last heartbeat.
	h.os.set(func(f *fakeOS) { f.idle = 118 * time.Minute })
	h.tracker.idle.Poll(ctx)
	if !h.tracker.accepted || !h.tracker.idleSince.Equal(day(1, 10, 4, 0)) {
		t.Fatalf("idle since = %v accepted = %v, want 10:04", h.tracker.idleSince, h.tracker.accepted)
	}
	h.tracker.Stop(ctx)

	activity := h.activity.Rows()
	if len(activity) != 1 || !activity[0].EndedAt.Equal(day(1, 10, 4, 0)) {
		t.Fatalf("activity rows = %+v, want one row ending 10:04", activity)
	}
	idle := h.idle.Rows()
	if len(idle) != 2 || !idle[0].StartedAt.Equal(day(1, 10, 4, 0)) || !idle[1].EndedAt.Equal(day(1, 12, 0, 0)) {
		t.Fatalf("idle rows = %+v, want [10:04, 12:00) in two rows", idle)
	}
	for _, a := range activity {
		for _, i := range idle {
			if a.StartedAt.Before(i.EndedAt) && i.StartedAt.Before(a.EndedAt) {
				t.Errorf("activity %v-%v overlaps idle %v-%v", a.StartedAt, a.EndedAt, i.StartedAt, i.EndedAt)
			}
		}
	}
	sessiontest.CheckInvariants(t, activity)
	sessiontest.CheckInvariants(t, idle)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}, Deps{}); err == nil {
		t.Error("New without a loop should fail")
	}
}
