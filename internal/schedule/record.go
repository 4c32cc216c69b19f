package schedule

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Record is the persisted representation of one recurrence. Pure data:
// timing behavior lives in Recurrence/Entry, storage wiring lives in the
// store package.
type Record struct {
	// ID is an opaque unique identifier, assigned at creation if absent
	// and immutable afterwards.
	ID string

	// TaskName identifies the work to perform. Opaque to this package.
	TaskName string

	// Args and Kwargs are passed through to the executor unexamined.
	Args   []any
	Kwargs map[string]any

	// Expression is the recurrence text, the source of truth for timing.
	Expression string

	// FirstRun is the first scheduled occurrence (UTC); it anchors the
	// periodic grid. Defaults to creation time when the expression carries
	// no start.
	FirstRun time.Time

	// LastRunAt is the most recent fire; zero if the schedule never fired.
	LastRunAt time.Time

	// TotalRunCount is the monotonically non-decreasing count of fires.
	TotalRunCount int64

	// RemainingRuns bounds future fires. Nil means unbounded.
	RemainingRuns *int64

	// Enabled gates due checks; once false the schedule is never due
	// until externally re-enabled.
	Enabled bool

	// ConsecutiveFailures and FailureThreshold drive the executor's
	// auto-disable policy. This package only stores them.
	ConsecutiveFailures int
	FailureThreshold    int

	// Resource is an advisory serialization-domain tag, carried through
	// to the executor unmodified.
	Resource string

	// Principal is an opaque identity blob carried through to execution.
	Principal map[string]any

	// LastUpdated is the instant of the last persisted mutation. Stores
	// condition updates on it to close multi-poller races.
	LastUpdated time.Time
}

// Options carries the optional creation overrides for New.
type Options struct {
	ID               string
	Args             []any
	Kwargs           map[string]any
	FirstRun         time.Time // overrides the expression anchor
	RemainingRuns    *int64    // overrides the expression repeat count
	Disabled         bool
	FailureThreshold int
	Resource         string
	Principal        map[string]any
}

// New creates a record from user input. The expression is parsed eagerly so
// malformed input is rejected before anything is stored.
func New(expression, taskName string, opt Options) (*Record, error) {
	if strings.TrimSpace(taskName) == "" {
		return nil, Corrupt("task_name", "required")
	}
	now := time.Now().UTC()
	rec, err := Parse(expression, now)
	if err != nil {
		return nil, err
	}

	r := &Record{
		ID:               opt.ID,
		TaskName:         taskName,
		Args:             opt.Args,
		Kwargs:           opt.Kwargs,
		Expression:       strings.TrimSpace(expression),
		Enabled:          !opt.Disabled,
		FailureThreshold: opt.FailureThreshold,
		Resource:         opt.Resource,
		Principal:        opt.Principal,
		LastUpdated:      now.Truncate(time.Millisecond),
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Args == nil {
		r.Args = []any{}
	}
	if r.Kwargs == nil {
		r.Kwargs = map[string]any{}
	}
	if r.Principal == nil {
		r.Principal = map[string]any{}
	}

	switch {
	case !opt.FirstRun.IsZero():
		r.FirstRun = opt.FirstRun.UTC().Truncate(time.Second)
	case rec.HasAnchor:
		r.FirstRun = rec.Anchor.Truncate(time.Second)
	default:
		r.FirstRun = now.Truncate(time.Second)
	}

	switch {
	case opt.RemainingRuns != nil:
		n := *opt.RemainingRuns
		r.RemainingRuns = &n
	case rec.Runs != nil:
		n := *rec.Runs
		r.RemainingRuns = &n
	}
	return r, nil
}

// Recurrence builds the timing adapter for this record. The adapter is
// constructed on demand and never persisted; the record's FirstRun always
// anchors the grid, even when the expression carries its own start.
func (r *Record) Recurrence() (Recurrence, error) {
	rec, err := Parse(r.Expression, r.FirstRun)
	if err != nil {
		return Recurrence{}, err
	}
	rec.Anchor = r.FirstRun
	return rec, nil
}

// Clone returns a deep copy. Advance mutates a clone so a failed persist
// leaves the original record untouched.
func (r *Record) Clone() *Record {
	cp := *r
	if r.Args != nil {
		cp.Args = append([]any(nil), r.Args...)
	}
	if r.Kwargs != nil {
		cp.Kwargs = make(map[string]any, len(r.Kwargs))
		for k, v := range r.Kwargs {
			cp.Kwargs[k] = v
		}
	}
	if r.Principal != nil {
		cp.Principal = make(map[string]any, len(r.Principal))
		for k, v := range r.Principal {
			cp.Principal[k] = v
		}
	}
	if r.RemainingRuns != nil {
		n := *r.RemainingRuns
		cp.RemainingRuns = &n
	}
	return &cp
}
