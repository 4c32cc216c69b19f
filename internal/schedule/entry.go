package schedule

import (
	"context"
	"time"
)

// Saver persists a mutated record, conditioned on the record's previous
// LastUpdated value. Implementations must reject the write when the stored
// row has moved on (optimistic concurrency), so that only one advance per
// grid boundary wins across pollers.
type Saver interface {
	Update(ctx context.Context, r *Record, prevUpdated time.Time) error
}

// Entry wraps a record together with its parsed recurrence and exposes the
// due-check/advance protocol consumed by the polling loop. An entry is a
// view: Advance returns a fresh one and the old entry must not be reused
// for further due checks.
type Entry struct {
	rec   *Record
	sched Recurrence
	saver Saver
}

// AsEntry builds the entry view for a record. Fails only when the stored
// expression no longer parses.
func (r *Record) AsEntry(saver Saver) (*Entry, error) {
	sched, err := r.Recurrence()
	if err != nil {
		return nil, err
	}
	return &Entry{rec: r, sched: sched, saver: saver}, nil
}

// Record exposes the wrapped record.
func (e *Entry) Record() *Record { return e.rec }

// IsDue reports whether the schedule should fire now, and how many seconds
// remain until the next grid instant. Due-ness depends only on whether the
// recorded fire count lags the count the grid says should have happened,
// which makes the check idempotent and safe to poll at any frequency.
//
// A zero seconds value means "check again immediately".
func (e *Entry) IsDue(now time.Time) (bool, float64) {
	now = now.UTC()

	if now.Before(e.rec.FirstRun) {
		return false, e.rec.FirstRun.Sub(now).Seconds()
	}

	var due bool
	var secs float64
	switch e.sched.Kind {
	case KindCron:
		ref := e.rec.LastRunAt
		if ref.IsZero() {
			ref = e.rec.FirstRun
		}
		due = !e.sched.NextAfter(ref).After(now)
		secs = e.sched.NextAfter(now).Sub(now).Seconds()
	default:
		t := Calculate(e.rec.FirstRun, e.sched.Period, now)
		due = e.rec.TotalRunCount < t.ExpectedFires
		secs = t.NextBoundary.Sub(now).Seconds()
		if secs < 0 {
			secs = 0
		}
	}

	if !e.rec.Enabled {
		due = false
	}
	if e.rec.RemainingRuns != nil && *e.rec.RemainingRuns == 0 {
		due = false
	}
	return due, secs
}

// NextRun returns the next instant on the recurrence grid. It reflects the
// immutable grid, not the fire history, so it is stable for display and for
// the initial value at creation time.
func (e *Entry) NextRun(now time.Time) time.Time {
	now = now.UTC()
	if e.sched.Kind == KindCron {
		base := now
		if now.Before(e.rec.FirstRun) {
			base = e.rec.FirstRun
		}
		return e.sched.NextAfter(base)
	}
	return Calculate(e.rec.FirstRun, e.sched.Period, now).NextBoundary
}

// Advance records one fire: stamps last_run_at, increments the run count,
// decrements a bounded repeat count (disabling at zero), persists the
// record, and returns the fresh entry view.
//
// The mutation happens on a clone; if persistence fails the wrapped record
// is left untouched and the fire is not considered recorded.
func (e *Entry) Advance(ctx context.Context, now time.Time) (*Entry, error) {
	now = now.UTC()
	prev := e.rec.LastUpdated

	next := e.rec.Clone()
	next.LastRunAt = now.Truncate(time.Second)
	next.TotalRunCount++
	if next.RemainingRuns != nil && *next.RemainingRuns > 0 {
		*next.RemainingRuns--
		if *next.RemainingRuns == 0 {
			next.Enabled = false
		}
	}
	next.LastUpdated = now.Truncate(time.Millisecond)
	// Keep the concurrency token strictly increasing even when two
	// advances land in the same millisecond.
	if !next.LastUpdated.After(prev) {
		next.LastUpdated = prev.Add(time.Millisecond)
	}

	if err := e.saver.Update(ctx, next, prev); err != nil {
		return nil, err
	}
	return next.AsEntry(e.saver)
}

// Display returns the display mapping for status reporting: the storage
// fields plus the recurrence text under "schedule" and the derived
// "next_run". Never used for persistence.
func (e *Entry) Display(now time.Time) map[string]any {
	raw := e.rec.ToRaw()
	raw["schedule"] = e.rec.Expression
	raw["next_run"] = e.NextRun(now).Format(time.RFC3339)
	return raw
}
