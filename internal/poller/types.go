package poller

import (
	"sync"
	"time"

	"recurd/internal/schedule"
)

// Config controls the polling loop.
//
// Defaults (when fields are omitted/zero):
//   - interval: 1s
//   - sync_every: 5 (reload schedules from the store every 5th tick)
type Config struct {
	Enabled   bool
	Interval  time.Duration
	SyncEvery int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.SyncEvery <= 0 {
		c.SyncEvery = 5
	}
	return c
}

// slot is the single-owner cell for one live schedule entry. Its lock keeps
// due-check and advance for that entry from ever overlapping, so two sweeps
// can never both observe due=true for the same boundary.
type slot struct {
	mu    sync.Mutex
	entry *schedule.Entry
}
