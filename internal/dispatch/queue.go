package dispatch

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"recurd/internal/store"
	logx "recurd/pkg/logx"
)

// Queue is a small in-process executor: a handler registry, a bounded job
// channel and a fixed worker pool. It honors the schedule's resource tag by
// never running two jobs with the same tag concurrently, and it owns the
// failure-feedback path that auto-disables schedules past their failure
// threshold.
type Queue struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config
	st  store.Store

	handlers map[string]Handler
	queue    chan queuedJob
	stopCh   chan struct{}
	wg       sync.WaitGroup
	seq      atomic.Uint64

	rmu  sync.Mutex
	busy map[string]bool // in-flight resource tags
}

// New builds a queue. The store may be nil, which disables failure feedback
// (jobs still run; nothing is written back).
func New(cfg Config, st store.Store, log logx.Logger) *Queue {
	return &Queue{
		log:      log,
		cfg:      cfg.withDefaults(),
		st:       st,
		handlers: map[string]Handler{},
		busy:     map[string]bool{},
	}
}

// Register installs the handler for a task name. Last registration wins.
func (q *Queue) Register(task string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[task] = h
}

func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopCh != nil {
		return
	}
	q.stopCh = make(chan struct{})
	q.queue = make(chan queuedJob, q.cfg.QueueSize)

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, q.stopCh, q.queue, i)
	}
	q.log.Info("dispatch queue started",
		logx.Int("workers", q.cfg.Workers), logx.Int("queue_size", q.cfg.QueueSize))
}

func (q *Queue) Stop(ctx context.Context) {
	q.mu.Lock()
	if q.stopCh == nil {
		q.mu.Unlock()
		return
	}
	close(q.stopCh)
	q.stopCh = nil
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	q.log.Info("dispatch queue stopped")
}

// Enqueue hands a job to the worker pool without waiting for completion.
// Fails fast with ErrQueueFull when the pool cannot keep up; the poller is
// expected to leave the schedule un-advanced and try again next cycle.
func (q *Queue) Enqueue(_ context.Context, job Job) (string, error) {
	q.mu.Lock()
	stopCh := q.stopCh
	queue := q.queue
	_, known := q.handlers[job.Task]
	q.mu.Unlock()

	if stopCh == nil {
		return "", ErrStopped
	}
	if !known {
		return "", fmt.Errorf("%w: %s", ErrUnknownTask, job.Task)
	}

	id := fmt.Sprintf("job:%d", q.seq.Add(1))
	select {
	case queue <- queuedJob{id: id, job: job, enqueued: time.Now()}:
		return id, nil
	default:
		return "", ErrQueueFull
	}
}

func (q *Queue) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedJob, idx int) {
	defer q.wg.Done()
	_ = idx

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qj, ok := <-queue:
			if !ok {
				return
			}
			if qj.job.Resource != "" && !q.acquireResource(qj.job.Resource) {
				// Same serialization domain already running: put the job
				// back and look for other work.
				select {
				case <-ctx.Done():
					return
				case <-stopCh:
					return
				case queue <- qj:
				default:
					q.log.Warn("dispatch queue full, dropping job",
						logx.String("job", qj.id), logx.String("task", qj.job.Task))
				}
				runtime.Gosched()
				continue
			}
			q.execOne(ctx, qj)
			if qj.job.Resource != "" {
				q.releaseResource(qj.job.Resource)
			}
		}
	}
}

func (q *Queue) execOne(ctx context.Context, qj queuedJob) {
	q.mu.Lock()
	h := q.handlers[qj.job.Task]
	q.mu.Unlock()
	if h == nil {
		q.log.Warn("job without handler", logx.String("task", qj.job.Task))
		return
	}

	start := time.Now()
	err := runHandler(ctx, h, qj.job)
	took := time.Since(start)

	if err != nil {
		q.log.Warn("job failed",
			logx.String("job", qj.id), logx.String("task", qj.job.Task),
			logx.Duration("took", took), logx.Err(err))
		q.recordFailure(ctx, qj.job)
		return
	}
	q.log.Debug("job ok",
		logx.String("job", qj.id), logx.String("task", qj.job.Task),
		logx.Duration("took", took))
	q.recordSuccess(ctx, qj.job)
}

// runHandler isolates handler panics so one bad task cannot take down a
// worker.
func runHandler(ctx context.Context, h Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

func (q *Queue) acquireResource(tag string) bool {
	q.rmu.Lock()
	defer q.rmu.Unlock()
	if q.busy[tag] {
		return false
	}
	q.busy[tag] = true
	return true
}

func (q *Queue) releaseResource(tag string) {
	q.rmu.Lock()
	delete(q.busy, tag)
	q.rmu.Unlock()
}
