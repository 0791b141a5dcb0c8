package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"ledgerd/internal/backup"
	"ledgerd/internal/config"
	"ledgerd/internal/eventbus"
	"ledgerd/internal/ledger"
	"ledgerd/internal/observability/debughttp"
	"ledgerd/internal/runtime/supervisor"
	"ledgerd/internal/storage"
	"ledgerd/internal/task/engine"
	"ledgerd/internal/task/scheduler"
	"ledgerd/pkg/logx"
	"ledgerd/pkg/systemd"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	store storage.Store

	engine *engine.Engine
	sched  *scheduler.Service
	events eventbus.Bus
	debug  *debughttp.Service
	sd     *systemd.Notifier

	circuitsOpened atomic.Int64
}

// New loads the config at cfgPath and wires storage, the ledger
// materializer, the backup exporter, the engine and the scheduler.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))

	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(sc, root)
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	retry, _ := mapRetryPolicy(cfg)
	defaults, _ := mapBackupDefaults(cfg)
	eng := engine.New(engine.Deps{
		Materializer: ledger.NewMaterializer(store, root),
		Exporter:     backup.NewExporter(store, defaults, root),
		Log:          root,
		Retry:        retry,
	})

	schedCfg, _ := mapSchedulerConfig(cfg)
	sched := scheduler.New(schedCfg, store, eng, root)
	bus := eventbus.New()
	sched.SetEvents(bus)

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		store:   store,
		engine:  eng,
		sched:   sched,
		events:  bus,
		sd:      systemd.NewNotifier(root),
	}
	debugCfg, _ := mapDebugConfig(cfg)
	a.debug = debughttp.New(debugCfg, a.status, root)
	return a, nil
}

func (a *App) Store() storage.Store { return a.store }

func (a *App) Scheduler() *scheduler.Service { return a.sched }

func (a *App) Config() *config.Config { return a.cfgm.Get() }

// RunOnce runs a single pass without starting the trigger.
func (a *App) RunOnce(ctx context.Context) (scheduler.PassReport, error) {
	return a.sched.RunPass(ctx)
}

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
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	if err := a.sched.Start(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return err
	}

	a.debug.Start(a.sup.Context())
	a.sup.Go0("events", a.watchEvents)
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		if err := a.sd.Watchdog(c); err != nil {
			a.log.Warn("systemd watchdog disabled", logx.Err(err))
		}
	})

	sub, unsub := a.cfgm.Subscribe()
	a.sup.Go0("config.reload", func(c context.Context) {
		defer unsub()
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.GoRestart("config.watch", 250*time.Millisecond, 30*time.Second, a.cfgm.Watch)

	a.sd.Ready()
	a.log.Info("app started", logx.String("config", a.cfgPath), logx.Bool("scheduler", a.sched.Enabled()))
	return nil
}

// watchEvents mirrors pass results into the service manager status line.
func (a *App) watchEvents(ctx context.Context) {
	ch, unsub := a.events.Subscribe(16, eventbus.PassDone, eventbus.CircuitOpened)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ch:
			switch e.Kind {
			case eventbus.CircuitOpened:
				a.circuitsOpened.Add(1)
			case eventbus.PassDone:
				rep, ok := e.Data.(scheduler.PassReport)
				if !ok {
					continue
				}
				a.sd.Status(fmt.Sprintf("last pass %s: executed %d, failed %d, deferred %d",
					rep.Started.Format(time.RFC3339), rep.Executed, rep.Failed, rep.Deferred))
			}
		}
	}
}

// Status is the document served at /status.
type Status struct {
	Config         string             `json:"config"`
	Scheduler      scheduler.Snapshot `json:"scheduler"`
	CircuitsOpened int64              `json:"circuits_opened"`
	EventsDropped  uint64             `json:"events_dropped"`
	AlertsDropped  uint64             `json:"alerts_dropped"`
}

func (a *App) status(ctx context.Context) (any, error) {
	snap, err := a.sched.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return Status{
		Config:         a.cfgPath,
		Scheduler:      snap,
		CircuitsOpened: a.circuitsOpened.Load(),
		EventsDropped:  a.events.Dropped(),
		AlertsDropped:  a.logs.Dropped(),
	}, nil
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	a.sd.Reloading()
	defer a.sd.Ready()

	if err := a.logs.Apply(mapLogConfig(newCfg)); err != nil {
		a.log.Warn("log sinks partially applied", logx.Err(err))
	}

	for _, s := range []string{"storage", "engine", "backup"} {
		if slices.Contains(sections, s) {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	if slices.Contains(sections, "scheduler") {
		sc, err := mapSchedulerConfig(newCfg)
		if err == nil {
			err = a.sched.Apply(sc)
		}
		if err != nil {
			a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		}
	}

	if slices.Contains(sections, "debug") {
		dc, err := mapDebugConfig(newCfg)
		if err != nil {
			a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
		} else {
			a.debug.Reconfigure(ctx, dc)
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	var errs []error

	if a.sup != nil {
		a.sd.Stopping()
		// Cancel first so background loops start unwinding immediately.
		a.sup.Cancel()
		a.step(ctx, "scheduler", 30*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
		a.step(ctx, "debug", 5*time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
		if err := a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			errs = append(errs, err)
		}
	}
	if err := a.step(ctx, "storage", 5*time.Second, func(context.Context) error { return a.store.Close() }); err != nil {
		errs = append(errs, fmt.Errorf("close storage: %w", err))
	}

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}

// step runs one shutdown step bounded by limit and the caller's deadline, so
// one component cannot stall the whole stop. A step that overruns is left
// running and reported as a deadline error.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		return err
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		return stepCtx.Err()
	}
}
