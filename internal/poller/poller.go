package poller

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"recurd/internal/dispatch"
	"recurd/internal/store"
	logx "recurd/pkg/logx"
)

// Poller periodically evaluates every live schedule entry, dispatches the
// due ones to the executor queue and advances their persisted state. One
// broken schedule never halts evaluation of the rest.
type Poller struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config
	st  store.Store
	q   dispatch.Enqueuer

	slots map[string]*slot

	stopCh    chan struct{}
	wg        sync.WaitGroup
	forceSync atomic.Bool

	// Throttles repeated enqueue/persist warnings so a wedged queue does
	// not flood the log at poll frequency.
	warnLimit *rate.Limiter

	now func() time.Time
}

func New(cfg Config, st store.Store, q dispatch.Enqueuer, log logx.Logger) *Poller {
	return &Poller{
		log:       log,
		cfg:       cfg.withDefaults(),
		st:        st,
		q:         q,
		slots:     map[string]*slot{},
		warnLimit: rate.NewLimiter(rate.Every(5*time.Second), 5),
		now:       time.Now,
	}
}

func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopCh != nil {
		return
	}
	p.stopCh = make(chan struct{})

	p.wg.Add(1)
	go p.run(ctx, p.stopCh)
	p.log.Info("poller started", logx.Duration("interval", p.cfg.Interval))
}

func (p *Poller) Stop(ctx context.Context) {
	p.mu.Lock()
	if p.stopCh == nil {
		p.mu.Unlock()
		return
	}
	close(p.stopCh)
	p.stopCh = nil
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	p.log.Info("poller stopped")
}

// Apply updates the poll interval and sync cadence at runtime.
func (p *Poller) Apply(cfg Config) {
	p.mu.Lock()
	p.cfg = cfg.withDefaults()
	p.mu.Unlock()
}

// Refresh asks the loop to reload schedules from the store on its next
// tick, e.g. after an external create or enable/disable.
func (p *Poller) Refresh() { p.forceSync.Store(true) }

func (p *Poller) interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.Interval
}

func (p *Poller) syncEvery() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.SyncEvery
}

func (p *Poller) run(ctx context.Context, stopCh <-chan struct{}) {
	defer p.wg.Done()

	p.sync(ctx)
	tick := 0
	timer := time.NewTimer(p.interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-timer.C:
		}

		tick++
		if p.forceSync.Swap(false) || tick%p.syncEvery() == 0 {
			p.sync(ctx)
		}
		p.sweep(ctx)

		timer.Reset(p.interval())
	}
}

// sync reloads schedule entries from the store, keeping existing slots so
// per-entry ownership survives the reload.
func (p *Poller) sync(ctx context.Context) {
	records, err := p.st.List(ctx)
	if err != nil {
		if p.warnLimit.Allow() {
			p.log.Warn("schedule reload failed", logx.Err(err))
		}
		return
	}

	live := make(map[string]bool, len(records))
	for _, rec := range records {
		live[rec.ID] = true

		entry, err := rec.AsEntry(p.st)
		if err != nil {
			// Stored expression no longer parses; skip this schedule and
			// keep evaluating the rest.
			if p.warnLimit.Allow() {
				p.log.Warn("skipping unloadable schedule",
					logx.String("schedule", rec.ID), logx.Err(err))
			}
			continue
		}

		p.mu.Lock()
		s, ok := p.slots[rec.ID]
		if !ok {
			s = &slot{}
			p.slots[rec.ID] = s
		}
		p.mu.Unlock()

		s.mu.Lock()
		s.entry = entry
		s.mu.Unlock()
	}

	p.mu.Lock()
	for id := range p.slots {
		if !live[id] {
			delete(p.slots, id)
		}
	}
	p.mu.Unlock()
}

// sweep runs one due-check pass over all live entries.
func (p *Poller) sweep(ctx context.Context) {
	p.mu.Lock()
	slots := make([]*slot, 0, len(p.slots))
	for _, s := range p.slots {
		slots = append(slots, s)
	}
	p.mu.Unlock()

	for _, s := range slots {
		p.checkOne(ctx, s)
	}
}

func (p *Poller) checkOne(ctx context.Context, s *slot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry
	if e == nil {
		return
	}
	now := p.now()

	due, _ := e.IsDue(now)
	if !due {
		return
	}

	rec := e.Record()
	_, err := p.q.Enqueue(ctx, dispatch.Job{
		ScheduleID: rec.ID,
		Task:       rec.TaskName,
		Args:       rec.Args,
		Kwargs:     rec.Kwargs,
		Resource:   rec.Resource,
		Principal:  rec.Principal,
	})
	if err != nil {
		// Nothing was dispatched, so nothing is recorded; the schedule
		// stays due and is retried on the next pass.
		if p.warnLimit.Allow() {
			p.log.Warn("enqueue failed",
				logx.String("schedule", rec.ID), logx.String("task", rec.TaskName), logx.Err(err))
		}
		return
	}

	next, err := e.Advance(ctx, now)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Another writer (a second poller or the failure feedback
			// path) moved the record on. Reload our view and skip.
			p.log.Debug("advance lost the update race",
				logx.String("schedule", rec.ID))
			p.refreshSlot(ctx, s, rec.ID)
			return
		}
		// Persistence failure: the fire is not recorded. The next pass
		// re-checks; the duplicate dispatch is the documented tradeoff.
		if p.warnLimit.Allow() {
			p.log.Error("advance persist failed",
				logx.String("schedule", rec.ID), logx.Err(err))
		}
		return
	}
	s.entry = next

	p.log.Debug("schedule fired",
		logx.String("schedule", rec.ID),
		logx.String("task", rec.TaskName),
		logx.Int64("run", next.Record().TotalRunCount))
}

// refreshSlot reloads one entry from the store. Caller holds the slot lock.
func (p *Poller) refreshSlot(ctx context.Context, s *slot, id string) {
	rec, err := p.st.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.entry = nil
			p.Refresh()
			return
		}
		if p.warnLimit.Allow() {
			p.log.Warn("schedule refresh failed", logx.String("schedule", id), logx.Err(err))
		}
		return
	}
	entry, err := rec.AsEntry(p.st)
	if err != nil {
		s.entry = nil
		return
	}
	s.entry = entry
}

// Snapshot returns the display form of every live schedule, sorted by id,
// for read-only status reporting.
func (p *Poller) Snapshot(now time.Time) []map[string]any {
	p.mu.Lock()
	slots := make([]*slot, 0, len(p.slots))
	for _, s := range p.slots {
		slots = append(slots, s)
	}
	p.mu.Unlock()

	out := make([]map[string]any, 0, len(slots))
	for _, s := range slots {
		s.mu.Lock()
		if s.entry != nil {
			out = append(out, s.entry.Display(now))
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := out[i]["id"].(string)
		b, _ := out[j]["id"].(string)
		return a < b
	})
	return out
}
