package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"recurd/internal/schedule"
	"recurd/internal/store"
	logx "recurd/pkg/logx"
)

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

func TestQueueRunsHandler(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := New(Config{Workers: 1}, nil, logx.Nop())

	got := make(chan Job, 1)
	q.Register("tasks.sync", func(_ context.Context, job Job) error {
		got <- job
		return nil
	})
	q.Start(ctx)
	defer q.Stop(ctx)

	id, err := q.Enqueue(ctx, Job{
		Task:   "tasks.sync",
		Args:   []any{"repo1"},
		Kwargs: map[string]any{"overrides": map[string]any{}},
	})
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	if id == "" {
		t.Fatal("Enqueue returned empty job handle")
	}

	select {
	case job := <-got:
		if len(job.Args) != 1 || job.Args[0] != "repo1" {
			t.Fatalf("handler got args %v, want passthrough", job.Args)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
}

func TestEnqueueErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := New(Config{}, nil, logx.Nop())
	q.Register("tasks.sync", func(context.Context, Job) error { return nil })

	if _, err := q.Enqueue(ctx, Job{Task: "tasks.sync"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("before Start: error = %v, want ErrStopped", err)
	}

	q.Start(ctx)
	defer q.Stop(ctx)

	if _, err := q.Enqueue(ctx, Job{Task: "tasks.unknown"}); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("unknown task: error = %v, want ErrUnknownTask", err)
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := New(Config{Workers: 1, QueueSize: 1}, nil, logx.Nop())

	started := make(chan struct{})
	release := make(chan struct{})
	q.Register("tasks.slow", func(context.Context, Job) error {
		close(started)
		<-release
		return nil
	})
	q.Start(ctx)
	defer q.Stop(ctx)
	defer close(release)

	if _, err := q.Enqueue(ctx, Job{Task: "tasks.slow"}); err != nil {
		t.Fatalf("first Enqueue error: %v", err)
	}
	<-started // worker is busy; the buffer is free again

	if _, err := q.Enqueue(ctx, Job{Task: "tasks.slow"}); err != nil {
		t.Fatalf("second Enqueue error: %v", err)
	}
	if _, err := q.Enqueue(ctx, Job{Task: "tasks.slow"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("third Enqueue: error = %v, want ErrQueueFull", err)
	}
}

func TestFailureFeedbackDisablesSchedule(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, err := store.Open(store.Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("store.Open error: %v", err)
	}
	rec, err := schedule.New("PT1M", "tasks.flaky", schedule.Options{FailureThreshold: 2})
	if err != nil {
		t.Fatalf("schedule.New error: %v", err)
	}
	if err := st.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert error: %v", err)
	}

	q := New(Config{Workers: 1}, st, logx.Nop())
	q.Register("tasks.flaky", func(context.Context, Job) error {
		return errors.New("boom")
	})
	q.Start(ctx)
	defer q.Stop(ctx)

	for i := 0; i < 2; i++ {
		if _, err := q.Enqueue(ctx, Job{ScheduleID: rec.ID, Task: "tasks.flaky"}); err != nil {
			t.Fatalf("Enqueue error: %v", err)
		}
		want := i + 1
		waitFor(t, func() bool {
			cur, err := st.Get(ctx, rec.ID)
			return err == nil && cur.ConsecutiveFailures == want
		}, "failure counter update")
	}

	cur, err := st.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if cur.Enabled {
		t.Fatal("schedule must be disabled at the failure threshold")
	}
}

func TestSuccessResetsFailureCounter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, err := store.Open(store.Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("store.Open error: %v", err)
	}
	rec, err := schedule.New("PT1M", "tasks.flaky", schedule.Options{FailureThreshold: 5})
	if err != nil {
		t.Fatalf("schedule.New error: %v", err)
	}
	rec.ConsecutiveFailures = 3
	if err := st.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert error: %v", err)
	}

	q := New(Config{Workers: 1}, st, logx.Nop())
	q.Register("tasks.flaky", func(context.Context, Job) error { return nil })
	q.Start(ctx)
	defer q.Stop(ctx)

	if _, err := q.Enqueue(ctx, Job{ScheduleID: rec.ID, Task: "tasks.flaky"}); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	waitFor(t, func() bool {
		cur, err := st.Get(ctx, rec.ID)
		return err == nil && cur.ConsecutiveFailures == 0
	}, "failure counter reset")
}

func TestResourceSerialization(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := New(Config{Workers: 4, QueueSize: 16}, nil, logx.Nop())

	var inFlight, maxSeen, runs atomic.Int32
	q.Register("tasks.sync", func(context.Context, Job) error {
		cur := inFlight.Add(1)
		for {
			prev := maxSeen.Load()
			if cur <= prev || maxSeen.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		runs.Add(1)
		return nil
	})
	q.Start(ctx)
	defer q.Stop(ctx)

	for i := 0; i < 4; i++ {
		if _, err := q.Enqueue(ctx, Job{Task: "tasks.sync", Resource: "repo:demo"}); err != nil {
			t.Fatalf("Enqueue error: %v", err)
		}
	}

	waitFor(t, func() bool { return runs.Load() == 4 }, "all jobs to run")
	if maxSeen.Load() != 1 {
		t.Fatalf("max concurrency for one resource = %d, want 1", maxSeen.Load())
	}
}
