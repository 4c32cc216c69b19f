package schedule

import "time"

// Times holds the derived grid position of a recurrence at one instant.
// All higher-level operations (due check, next run, display) are expressed
// in terms of these four values.
type Times struct {
	// SinceAnchor is now - anchor; negative when the anchor is in the future.
	SinceAnchor time.Duration

	// ElapsedPeriods is the count of full periods completed since the
	// anchor. Zero means no period boundary has passed yet.
	ElapsedPeriods int64

	// LastBoundary is the most recent grid instant at or before now, or
	// the anchor itself when no boundary has passed.
	LastBoundary time.Time

	// NextBoundary is the next grid instant whose fire has not happened
	// when the schedule is fully caught up. While no boundary has passed
	// (including a future anchor) it is the anchor itself.
	NextBoundary time.Time

	// ExpectedFires counts the fires, anchor fire included, that should
	// have occurred by now. Zero when the anchor is still in the future.
	ExpectedFires int64
}

// Calculate derives the grid position for (anchor, period) at now.
// Pure and deterministic; period must be positive.
func Calculate(anchor time.Time, period time.Duration, now time.Time) Times {
	t := Times{SinceAnchor: now.Sub(anchor)}

	if t.SinceAnchor > 0 {
		t.ElapsedPeriods = int64(t.SinceAnchor / period)
	}
	t.LastBoundary = anchor.Add(time.Duration(t.ElapsedPeriods) * period)

	if t.ElapsedPeriods == 0 {
		t.NextBoundary = anchor
	} else {
		t.NextBoundary = t.LastBoundary.Add(period)
	}

	if t.SinceAnchor >= 0 {
		t.ExpectedFires = t.ElapsedPeriods + 1
	}
	return t
}
