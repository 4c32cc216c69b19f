package poller

import (
	"context"
	"sync"
	"testing"
	"time"

	"recurd/internal/dispatch"
	"recurd/internal/schedule"
	"recurd/internal/store"
	"recurd/pkg/logx"
)

type fakeQueue struct {
	mu   sync.Mutex
	jobs []dispatch.Job
	err  error
}

func (f *fakeQueue) Enqueue(_ context.Context, job dispatch.Job) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.jobs = append(f.jobs, job)
	return "job:test", nil
}

func (f *fakeQueue) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

func newTestPoller(t *testing.T, q dispatch.Enqueuer) (*Poller, store.Store) {
	t.Helper()
	st, err := store.Open(store.Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("store.Open error: %v", err)
	}
	p := New(Config{Interval: 10 * time.Millisecond, SyncEvery: 2}, st, q, logx.Nop())
	return p, st
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPollerFiresDueScheduleOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := &fakeQueue{}
	p, st := newTestPoller(t, q)

	// No explicit anchor: due immediately, then caught up for an hour.
	rec, err := schedule.New("PT1H", "tasks.sync", schedule.Options{
		Args:     []any{"repo1"},
		Resource: "repo:repo1",
	})
	if err != nil {
		t.Fatalf("schedule.New error: %v", err)
	}
	if err := st.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert error: %v", err)
	}

	p.Start(ctx)
	defer p.Stop(ctx)

	waitFor(t, func() bool { return q.count() == 1 }, "first fire")

	// Idempotent polling: no further fires while caught up.
	time.Sleep(100 * time.Millisecond)
	if got := q.count(); got != 1 {
		t.Fatalf("fires = %d, want exactly 1", got)
	}

	stored, err := st.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if stored.TotalRunCount != 1 {
		t.Fatalf("TotalRunCount = %d, want 1", stored.TotalRunCount)
	}
	if stored.LastRunAt.IsZero() {
		t.Fatal("LastRunAt must be set after a fire")
	}

	job := q.jobs[0]
	if job.Task != "tasks.sync" || job.Resource != "repo:repo1" {
		t.Fatalf("job = %+v, want task/resource passthrough", job)
	}
}

func TestPollerBoundedRunsDisable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := &fakeQueue{}
	p, st := newTestPoller(t, q)

	// Anchored far in the past with a bounded repeat count: the poller
	// catches up one advance per pass until the runs are exhausted.
	rec, err := schedule.New("R2/2014-01-10T20:00Z/PT1H", "tasks.publish", schedule.Options{})
	if err != nil {
		t.Fatalf("schedule.New error: %v", err)
	}
	if err := st.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert error: %v", err)
	}

	p.Start(ctx)
	defer p.Stop(ctx)

	waitFor(t, func() bool {
		stored, err := st.Get(ctx, rec.ID)
		return err == nil && !stored.Enabled
	}, "schedule exhaustion")

	stored, _ := st.Get(ctx, rec.ID)
	if stored.TotalRunCount != 2 {
		t.Fatalf("TotalRunCount = %d, want 2", stored.TotalRunCount)
	}
	if stored.RemainingRuns == nil || *stored.RemainingRuns != 0 {
		t.Fatalf("RemainingRuns = %v, want 0", stored.RemainingRuns)
	}
	if q.count() != 2 {
		t.Fatalf("fires = %d, want 2", q.count())
	}

	// Exhausted schedules stay quiet.
	time.Sleep(100 * time.Millisecond)
	if q.count() != 2 {
		t.Fatalf("fires after exhaustion = %d, want 2", q.count())
	}
}

func TestPollerSkipsDisabled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := &fakeQueue{}
	p, st := newTestPoller(t, q)

	rec, err := schedule.New("PT1M", "tasks.sync", schedule.Options{Disabled: true})
	if err != nil {
		t.Fatalf("schedule.New error: %v", err)
	}
	if err := st.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert error: %v", err)
	}

	p.Start(ctx)
	defer p.Stop(ctx)

	time.Sleep(150 * time.Millisecond)
	if q.count() != 0 {
		t.Fatalf("disabled schedule fired %d times", q.count())
	}
}

func TestPollerEnqueueFailureDoesNotAdvance(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := &fakeQueue{err: dispatch.ErrQueueFull}
	p, st := newTestPoller(t, q)

	rec, err := schedule.New("PT1M", "tasks.sync", schedule.Options{})
	if err != nil {
		t.Fatalf("schedule.New error: %v", err)
	}
	if err := st.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert error: %v", err)
	}

	p.Start(ctx)
	defer p.Stop(ctx)

	time.Sleep(150 * time.Millisecond)
	stored, err := st.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if stored.TotalRunCount != 0 {
		t.Fatalf("TotalRunCount = %d, want 0 while dispatch fails", stored.TotalRunCount)
	}

	// Once dispatch recovers, the pending fire lands.
	q.mu.Lock()
	q.err = nil
	q.mu.Unlock()
	waitFor(t, func() bool {
		stored, err := st.Get(ctx, rec.ID)
		return err == nil && stored.TotalRunCount == 1
	}, "recovered fire")
}

func TestPollerIsolatesBrokenSchedule(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := &fakeQueue{}
	p, st := newTestPoller(t, q)

	broken := &schedule.Record{
		ID:         "broken",
		TaskName:   "tasks.sync",
		Expression: "definitely-not-a-schedule",
		FirstRun:   time.Date(2014, 1, 10, 20, 0, 0, 0, time.UTC),
		Enabled:    true,
	}
	if err := st.Insert(ctx, broken); err != nil {
		t.Fatalf("Insert error: %v", err)
	}
	good, err := schedule.New("PT1H", "tasks.publish", schedule.Options{})
	if err != nil {
		t.Fatalf("schedule.New error: %v", err)
	}
	if err := st.Insert(ctx, good); err != nil {
		t.Fatalf("Insert error: %v", err)
	}

	p.Start(ctx)
	defer p.Stop(ctx)

	waitFor(t, func() bool { return q.count() == 1 }, "healthy schedule fire")
	if q.jobs[0].Task != "tasks.publish" {
		t.Fatalf("fired task = %q, want tasks.publish", q.jobs[0].Task)
	}
}

func TestTwoPollersAdvanceOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := &fakeQueue{}

	st, err := store.Open(store.Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("store.Open error: %v", err)
	}
	rec, err := schedule.New("R1/2014-01-10T20:00Z/PT1H", "tasks.publish", schedule.Options{})
	if err != nil {
		t.Fatalf("schedule.New error: %v", err)
	}
	if err := st.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert error: %v", err)
	}

	cfg := Config{Interval: 10 * time.Millisecond, SyncEvery: 2}
	a := New(cfg, st, q, logx.Nop())
	b := New(cfg, st, q, logx.Nop())
	a.Start(ctx)
	b.Start(ctx)
	defer a.Stop(ctx)
	defer b.Stop(ctx)

	waitFor(t, func() bool {
		stored, err := st.Get(ctx, rec.ID)
		return err == nil && !stored.Enabled
	}, "schedule exhaustion")

	// The conditional update lets exactly one advance per boundary win,
	// no matter how many pollers share the store.
	stored, _ := st.Get(ctx, rec.ID)
	if stored.TotalRunCount != 1 {
		t.Fatalf("TotalRunCount = %d, want exactly 1", stored.TotalRunCount)
	}
}

func TestPollerSnapshot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := &fakeQueue{}
	p, st := newTestPoller(t, q)

	rec, err := schedule.New("PT1H", "tasks.sync", schedule.Options{})
	if err != nil {
		t.Fatalf("schedule.New error: %v", err)
	}
	if err := st.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert error: %v", err)
	}

	p.Start(ctx)
	defer p.Stop(ctx)

	waitFor(t, func() bool { return len(p.Snapshot(time.Now())) == 1 }, "snapshot entry")

	snap := p.Snapshot(time.Now())[0]
	if snap["id"] != rec.ID {
		t.Fatalf("snapshot id = %v, want %v", snap["id"], rec.ID)
	}
	if snap["schedule"] != "PT1H" {
		t.Fatalf("snapshot schedule = %v, want PT1H", snap["schedule"])
	}
	if _, ok := snap["next_run"]; !ok {
		t.Fatal("snapshot must carry the derived next_run")
	}
}
