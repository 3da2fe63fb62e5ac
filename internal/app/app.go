package app

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"tickhost/internal/config"
	"tickhost/internal/eventbus"
	"tickhost/internal/function/timertick"
	"tickhost/internal/host"
	"tickhost/internal/observability/diag"
	rtsup "tickhost/internal/runtime/supervisor"
	"tickhost/internal/runtime/sdnotify"
	"tickhost/internal/storage"
	"tickhost/internal/task/engine"
	"tickhost/internal/task/scheduler"
	"tickhost/internal/tracing"
	logx "tickhost/pkg/logx"
)

// Version is stamped at build time (-ldflags "-X tickhost/internal/app.Version=...").
var Version = "dev"

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	engine *engine.Service
	sched  *scheduler.Service
	host   *host.Host
	traces *tracing.Provider
	diag   *diag.Service
	notify *sdnotify.Notifier

	shutdownTimeout atomic.Int64 // time.Duration; updated on reload
	startedAt       time.Time
}

// NewApp loads the config at cfgPath and wires every component. Nothing runs
// until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return newApp(cfgm, cfg)
}

func newApp(cfgm *config.ConfigManager, cfg *config.Config) (*App, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		appLog.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	engineSvc := engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus)
	schedSvc := scheduler.New(mapSchedulerConfig(cfg), engineSvc, log.With(logx.String("comp", "scheduler")))

	hostCfg, err := mapHostConfig(cfg)
	if err != nil {
		return nil, err
	}
	var monitor host.StatusStore
	if store != nil {
		monitor = store
	}
	h := host.New(hostCfg, schedSvc, monitor, log.With(logx.String("comp", "host")), bus)

	tcfg, err := mapTracingConfig(cfg)
	if err != nil {
		return nil, err
	}
	traces, err := tracing.Setup(context.Background(), tcfg, log.With(logx.String("comp", "tracing")))
	if err != nil {
		return nil, err
	}
	h.Use(tracing.Wrapper(traces.TracerProvider()))

	if err := timertick.Register(h); err != nil {
		return nil, err
	}

	shutdown, err := mapShutdownTimeout(cfg)
	if err != nil {
		return nil, err
	}
	diagCfg, err := mapDiagConfig(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgm:   cfgm,
		log:    appLog,
		logs:   logSvc,
		bus:    bus,
		store:  store,
		engine: engineSvc,
		sched:  schedSvc,
		host:   h,
		traces: traces,
		notify: sdnotify.New(cfg.SystemdNotify(), log),
	}
	a.shutdownTimeout.Store(int64(shutdown))
	diagTP := traces.TracerProvider()
	if !traces.Enabled() {
		diagTP = nil
	}
	a.diag = diag.New(diagCfg, a.status, diagTP, log)
	return a, nil
}

// Host exposes the function host, e.g. for manual invocation.
func (a *App) Host() *host.Host { return a.host }

// ShutdownTimeout is the configured bound for Stop.
func (a *App) ShutdownTimeout() time.Duration { return time.Duration(a.shutdownTimeout.Load()) }

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
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.startedAt = time.Now()
	runCtx := a.sup.Context()

	// transactional config reload: validate before commit/publish
	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
			return validateConfig(cfg)
		})
	}

	// Engine first so startup invocations have somewhere to run.
	if a.engine.Enabled() {
		a.engine.Start(runCtx)
	}
	if a.sched.Enabled() {
		a.sched.Start(runCtx)
	}
	if err := a.host.Start(runCtx); err != nil {
		return err
	}
	if a.diag.Enabled() {
		a.diag.Start(runCtx)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		a.logEvents(c, events)
	})

	if a.cfgm != nil {
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			a.reloadLoop(c, sub)
		})
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	a.sup.Go0("sdnotify.watchdog", func(c context.Context) {
		if err := a.notify.Watchdog(c, a.alive); err != nil {
			a.log.Warn("systemd watchdog unavailable", logx.Err(err))
		}
	})

	snap := a.host.Snapshot()
	a.notify.Ready(fmt.Sprintf("serving %d function(s)", len(snap.Functions)))
	a.log.Info("app started",
		logx.String("version", Version),
		logx.String("instance", snap.InstanceID),
		logx.Int("functions", len(snap.Functions)),
		logx.Bool("tracing", a.traces.Enabled()),
	)
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify.Stopping()

	// Unschedule first so no new firing is enqueued, then drain the engine.
	// The run context stays live until then so in-flight invocations can
	// finish; supervised loops (config watch, event log, watchdog) are
	// cancelled afterwards and awaited last.
	failed := a.runStopSteps(ctx, []stopStep{
		{name: "host", budget: time.Second, run: quietStop(a.host.Stop)},
		{name: "scheduler", budget: 2 * time.Second, run: quietStop(a.sched.Stop)},
		{name: "taskengine", budget: 3 * time.Second, run: quietStop(a.engine.Stop)},
	})
	a.sup.Cancel()
	failed += a.runStopSteps(ctx, []stopStep{
		{name: "diag", budget: time.Second, run: quietStop(a.diag.Stop)},
		{name: "tracing", budget: 5 * time.Second, run: a.traces.Shutdown},
		{name: "storage", budget: time.Second, run: func(context.Context) error {
			if a.store == nil {
				return nil
			}
			return a.store.Close()
		}},
		{name: "supervisor", budget: 2 * time.Second, run: a.sup.Wait},
	})

	a.log.Info("stopped", logx.Int("failed_steps", failed))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) logEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if ev, isInv := e.Data.(host.InvocationEvent); isInv && e.Type == eventbus.FunctionFailed {
				a.log.Warn("function failed",
					logx.String("function", ev.Function),
					logx.String("invocation_id", ev.InvocationID),
					logx.String("err", ev.Error),
					logx.Bool("past_due", ev.IsPastDue),
				)
				continue
			}
			// debug-level: the timer fires every second
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

// alive gates watchdog pings: the run context is live and the engine has
// workers.
func (a *App) alive() bool {
	if a.sup == nil || a.sup.Context().Err() != nil {
		return false
	}
	return !a.engine.Enabled() || a.engine.Supervisor() != nil
}

type statusDoc struct {
	Version       string                    `json:"version"`
	StartedAt     time.Time                 `json:"started_at"`
	Uptime        string                    `json:"uptime"`
	Healthy       bool                      `json:"healthy"`
	Host          host.Snapshot             `json:"host"`
	Supervisors   map[string]rtsup.Counters `json:"supervisors"`
	EventsDropped uint64                    `json:"events_dropped"`
	Tracing       bool                      `json:"tracing"`
}

func (a *App) status() any {
	sups := map[string]rtsup.Counters{}
	healthy := a.alive()
	for name, s := range map[string]*rtsup.Supervisor{
		"app":         a.sup,
		"task.engine": a.engine.Supervisor(),
		"diag":        a.diag.Supervisor(),
	} {
		if s == nil {
			continue
		}
		sups[name] = s.Counters()
		healthy = healthy && s.Healthy()
	}
	return statusDoc{
		Version:       Version,
		StartedAt:     a.startedAt,
		Uptime:        time.Since(a.startedAt).Truncate(time.Second).String(),
		Healthy:       healthy,
		Host:          a.host.Snapshot(),
		Supervisors:   sups,
		EventsDropped: eventbus.Dropped(a.bus),
		Tracing:       a.traces.Enabled(),
	}
}
