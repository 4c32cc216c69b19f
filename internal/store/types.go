package store

import (
	"context"
	"errors"
	"time"

	"recurd/internal/schedule"
)

var (
	// ErrNotFound reports an id with no stored record.
	ErrNotFound = errors.New("schedule not found")

	// ErrConflict reports a conditional update that lost the race: the
	// stored record moved on since it was read. The caller must discard
	// its pending fire and re-check on the next poll cycle.
	ErrConflict = errors.New("schedule modified concurrently")
)

// Config configures the persistence layer.
//
// Driver values:
//   - "memory" (or empty): process-local map, no setup, lost on restart
//   - "sqlite":            SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence round-trip used by the poller and the executor
// feedback path. Update is conditioned on the record's previous
// last_updated value so that only one advance per grid boundary wins when
// several pollers share one store.
type Store interface {
	List(ctx context.Context) ([]*schedule.Record, error)
	Get(ctx context.Context, id string) (*schedule.Record, error)
	Insert(ctx context.Context, r *schedule.Record) error
	Update(ctx context.Context, r *schedule.Record, prevUpdated time.Time) error
	Close() error
}
