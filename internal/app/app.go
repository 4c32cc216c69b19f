package app

import (
	"context"
	"fmt"
	"time"

	"recurd/internal/config"
	"recurd/internal/dispatch"
	"recurd/internal/poller"
	"recurd/internal/store"
	logx "recurd/pkg/logx"
)

// App wires the config manager, store, dispatch queue and poller together
// and owns their lifecycle.
type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *Supervisor

	log  logx.Logger
	logs *logx.Service

	st    store.Store
	queue *dispatch.Queue
	poll  *poller.Poller
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	stCfg, err := storeConfig(cfg.Storage)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	st, err := store.Open(stCfg, log.With(logx.String("comp", "store")))
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	queue := dispatch.New(queueConfig(cfg.Queue), st, log.With(logx.String("comp", "queue")))

	pollCfg, err := pollerConfig(cfg.Poller)
	if err != nil {
		_ = st.Close()
		logSvc.Close()
		return nil, err
	}
	poll := poller.New(pollCfg, st, queue, log.With(logx.String("comp", "poller")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		st:      st,
		queue:   queue,
		poll:    poll,
	}, nil
}

// Tasks exposes the dispatch queue so callers can register task handlers
// before Start.
func (a *App) Tasks() *dispatch.Queue { return a.queue }

// Store exposes the schedule store for admin tooling.
func (a *App) Store() store.Store { return a.st }

// Poller exposes the poll loop for admin tooling (snapshots).
func (a *App) Poller() *poller.Poller { return a.poll }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	a.queue.Start(a.sup.Context())

	cfg := a.cfgm.Get()
	if cfg.Poller.Enabled {
		a.poll.Start(a.sup.Context())
	}

	// hot reload fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	notifyReady(a.log)
	a.log.Info("started",
		logx.String("config", a.cfgPath),
		logx.Bool("poller", cfg.Poller.Enabled))
	return nil
}

func (a *App) applyConfig(ctx context.Context, old, cfg *config.Config) {
	if old == nil {
		old = &config.Config{}
	}

	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	pollCfg, err := pollerConfig(cfg.Poller)
	if err != nil {
		// Validate() runs before publish, so this only happens on a
		// manager bug; keep the running config.
		a.log.Warn("config apply failed", logx.Any("err", err))
		return
	}
	a.poll.Apply(pollCfg)

	// enable/disable the poll loop on the fly
	if old.Poller.Enabled && !cfg.Poller.Enabled {
		a.log.Info("poller disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.poll.Stop(stopCtx)
		cancel()
	} else if !old.Poller.Enabled && cfg.Poller.Enabled {
		a.log.Info("poller enabled via config")
		a.poll.Start(ctx)
	}

	// Worker pool size and storage changes need a restart; say so instead
	// of silently ignoring the edit.
	if !queueEqual(old.Queue, cfg.Queue) {
		a.log.Warn("queue settings changed; restart required to apply")
	}
	if !storageEqual(old.Storage, cfg.Storage) {
		a.log.Warn("storage settings changed; restart required to apply")
	}

	a.log.Info("config applied", logx.Bool("poller", cfg.Poller.Enabled))
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	notifyStopping(a.log)
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run each shutdown step under an upper bound so one component can't
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		start := time.Now()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Any("err", err))
		}
		a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("poller", 2*time.Second, func(c context.Context) error { a.poll.Stop(c); return nil })
	step("queue", 4*time.Second, func(c context.Context) error { a.queue.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("store", time.Second, func(context.Context) error { return a.st.Close() })

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}

func storeConfig(sc *config.StorageConfig) (store.Config, error) {
	if sc == nil {
		return store.Config{}, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{Driver: sc.Driver, Path: sc.Path, BusyTimeout: busy}, nil
}

func queueConfig(qc *config.QueueConfig) dispatch.Config {
	if qc == nil {
		return dispatch.Config{}
	}
	return dispatch.Config{Workers: qc.Workers, QueueSize: qc.QueueSize}
}

func pollerConfig(pc config.PollerConfig) (poller.Config, error) {
	interval, err := config.ParseDurationField("poller.interval", pc.Interval)
	if err != nil {
		return poller.Config{}, err
	}
	return poller.Config{Enabled: pc.Enabled, Interval: interval, SyncEvery: pc.SyncEvery}, nil
}

func queueEqual(a, b *config.QueueConfig) bool {
	av, bv := config.QueueConfig{}, config.QueueConfig{}
	if a != nil {
		av = *a
	}
	if b != nil {
		bv = *b
	}
	return av == bv
}

func storageEqual(a, b *config.StorageConfig) bool {
	av, bv := config.StorageConfig{}, config.StorageConfig{}
	if a != nil {
		av = *a
	}
	if b != nil {
		bv = *b
	}
	return av == bv
}
