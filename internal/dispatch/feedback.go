package dispatch

import (
	"context"
	"errors"
	"time"

	"recurd/internal/store"
	logx "recurd/pkg/logx"
)

// feedbackAttempts bounds the reload-and-retry loop when the conditional
// update loses to a concurrent writer (usually the poller advancing).
const feedbackAttempts = 3

// recordFailure bumps the schedule's consecutive-failure counter and
// disables it once the failure threshold is reached, through the same
// conditional-update path the advance operation uses.
func (q *Queue) recordFailure(ctx context.Context, job Job) {
	q.updateCounters(ctx, job, func(failures, threshold int) (int, bool) {
		failures++
		disable := threshold > 0 && failures >= threshold
		return failures, disable
	})
}

// recordSuccess resets the counter after a clean run.
func (q *Queue) recordSuccess(ctx context.Context, job Job) {
	q.updateCounters(ctx, job, func(failures, _ int) (int, bool) {
		return 0, false
	})
}

func (q *Queue) updateCounters(ctx context.Context, job Job, apply func(failures, threshold int) (int, bool)) {
	if q.st == nil || job.ScheduleID == "" {
		return
	}

	for attempt := 0; attempt < feedbackAttempts; attempt++ {
		rec, err := q.st.Get(ctx, job.ScheduleID)
		if err != nil {
			// Schedule may have been deleted externally; nothing to record.
			if !errors.Is(err, store.ErrNotFound) {
				q.log.Warn("failure feedback load failed",
					logx.String("schedule", job.ScheduleID), logx.Err(err))
			}
			return
		}

		failures, disable := apply(rec.ConsecutiveFailures, rec.FailureThreshold)
		if failures == rec.ConsecutiveFailures && !disable {
			return
		}

		prev := rec.LastUpdated
		rec.ConsecutiveFailures = failures
		if disable {
			rec.Enabled = false
		}
		rec.LastUpdated = time.Now().UTC().Truncate(time.Millisecond)
		if !rec.LastUpdated.After(prev) {
			rec.LastUpdated = prev.Add(time.Millisecond)
		}

		err = q.st.Update(ctx, rec, prev)
		if err == nil {
			if disable {
				q.log.Warn("schedule disabled after repeated failures",
					logx.String("schedule", rec.ID),
					logx.String("task", rec.TaskName),
					logx.Int("failures", failures))
			}
			return
		}
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		q.log.Warn("failure feedback persist failed",
			logx.String("schedule", job.ScheduleID), logx.Err(err))
		return
	}
}
