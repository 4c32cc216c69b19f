package dispatch

import (
	"context"
	"time"
)

// Job is one dispatched unit of work. Args, Kwargs and Principal are
// carried through from the schedule record unexamined; Resource is the
// advisory serialization-domain tag.
type Job struct {
	ScheduleID string
	Task       string
	Args       []any
	Kwargs     map[string]any
	Resource   string
	Principal  map[string]any
}

// Handler executes one job. A non-nil error feeds the schedule's
// consecutive-failure counter.
type Handler func(ctx context.Context, job Job) error

// Enqueuer is the boundary the poller dispatches through. Enqueue returns a
// job handle and must not wait for the job to complete.
type Enqueuer interface {
	Enqueue(ctx context.Context, job Job) (string, error)
}

// Config controls the execution queue.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
type Config struct {
	Workers   int
	QueueSize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	return c
}

type queuedJob struct {
	id       string
	job      Job
	enqueued time.Time
}
