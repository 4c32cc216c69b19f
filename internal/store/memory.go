package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"recurd/internal/schedule"
)

// memoryStore keeps records in a process-local map. It honors the same
// conditional-update contract as the sqlite driver, which makes it the
// backend of choice for tests and for single-process setups that can
// afford to lose schedules on restart.
type memoryStore struct {
	mu      sync.Mutex
	records map[string]*schedule.Record
}

func newMemory() *memoryStore {
	return &memoryStore{records: map[string]*schedule.Record{}}
}

func (m *memoryStore) List(_ context.Context) ([]*schedule.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*schedule.Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryStore) Get(_ context.Context, id string) (*schedule.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.Clone(), nil
}

func (m *memoryStore) Insert(_ context.Context, r *schedule.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[r.ID]; ok {
		return fmt.Errorf("schedule %s already exists", r.ID)
	}
	m.records[r.ID] = r.Clone()
	return nil
}

func (m *memoryStore) Update(_ context.Context, r *schedule.Record, prevUpdated time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.records[r.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, r.ID)
	}
	if !cur.LastUpdated.Equal(prevUpdated) {
		return fmt.Errorf("%w: %s", ErrConflict, r.ID)
	}
	m.records[r.ID] = r.Clone()
	return nil
}

func (m *memoryStore) Close() error { return nil }
