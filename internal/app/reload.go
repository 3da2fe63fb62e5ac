package app

import (
	"context"
	"slices"
	"strings"
	"time"

	"tickhost/internal/config"
	logx "tickhost/pkg/logx"
)

// reloadLoop applies published configs until ctx is done.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig hot-applies newCfg. Tracing and storage are bound at startup
// and only warn.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, fnChanged := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if len(fnChanged) > 0 {
		a.log.Debug("function overrides changed", logx.Any("functions", fnChanged))
	}

	a.notify.Reloading()
	defer a.notify.Ready("config reloaded")

	for _, s := range []string{"storage", "tracing"} {
		if slices.Contains(sections, s) {
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}

	a.logs.Apply(mapLogging(newCfg))

	// engine first on enable, scheduler first on disable
	prevSchedEnabled := a.sched.Enabled()
	prevEngEnabled := a.engine.Enabled()

	newEngCfg, err := mapTaskEngineConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
		newEngCfg.Enabled = prevEngEnabled
	} else {
		a.engine.Apply(ctx, newEngCfg)
	}

	schedCfg := mapSchedulerConfig(newCfg)
	a.sched.Apply(schedCfg)

	if prevSchedEnabled && !schedCfg.Enabled {
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	}
	if prevEngEnabled && !newEngCfg.Enabled {
		a.log.Info("task engine disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.engine.Stop(stopCtx)
		cancel()
	}
	if !prevEngEnabled && newEngCfg.Enabled {
		a.log.Info("task engine enabled via config")
		a.engine.Start(ctx)
	}
	if !prevSchedEnabled && schedCfg.Enabled {
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}

	if hc, err := mapHostConfig(newCfg); err != nil {
		a.log.Warn("invalid host config; keeping previous", logx.Err(err))
	} else if err := a.host.Apply(hc); err != nil {
		a.log.Warn("function overrides partially applied", logx.Err(err))
	}

	if d, err := mapShutdownTimeout(newCfg); err == nil {
		a.shutdownTimeout.Store(int64(d))
	}

	if dc, err := mapDiagConfig(newCfg); err != nil {
		a.log.Warn("invalid diag config; keeping previous", logx.Err(err))
	} else {
		a.diag.Reconfigure(ctx, dc)
	}

	a.log.Info("config reloaded", fields...)
}
