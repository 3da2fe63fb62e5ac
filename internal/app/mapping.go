package app

import (
	"fmt"
	"strings"
	"time"

	"tickhost/internal/config"
	"tickhost/internal/host"
	"tickhost/internal/observability/diag"
	"tickhost/internal/storage"
	"tickhost/internal/task/engine"
	"tickhost/internal/task/scheduler"
	"tickhost/internal/tracing"
	logx "tickhost/pkg/logx"
)

const defaultShutdownTimeout = 10 * time.Second

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:  cfg.SchedulerEnabled(),
		Timezone: strings.TrimSpace(cfg.Scheduler.Timezone),
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		var ds config.Durations
		busy := ds.FieldOr("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err := ds.Err(); err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	if cfg == nil {
		return engine.Config{Enabled: true}, nil
	}

	te := config.TaskEngineConfig{}
	if cfg.TaskEngine != nil {
		te = *cfg.TaskEngine
	}

	enabled := te.Enabled == nil || *te.Enabled
	// Startup and manual invocations run through the engine even when the
	// scheduler is off, but a running scheduler with no engine is never valid.
	if cfg.SchedulerEnabled() && !enabled {
		return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
	}
	if te.Workers < 0 {
		return engine.Config{}, fmt.Errorf("task_engine.workers must be >= 0")
	}
	if te.QueueSize < 0 {
		return engine.Config{}, fmt.Errorf("task_engine.queue_size must be >= 0")
	}
	if te.HistorySize < 0 {
		return engine.Config{}, fmt.Errorf("task_engine.history_size must be >= 0")
	}
	if te.RetryMax < 0 {
		return engine.Config{}, fmt.Errorf("task_engine.retry_max must be >= 0")
	}

	var ds config.Durations
	defTimeout := ds.Field("task_engine.default_timeout", te.DefaultTimeout)
	maxQueueDelay := ds.Field("task_engine.max_queue_delay", te.MaxQueueDelay)
	if err := ds.Err(); err != nil {
		return engine.Config{}, err
	}

	workers := te.Workers
	if workers == 0 {
		workers = 2
	}
	queueSize := te.QueueSize
	if queueSize == 0 {
		queueSize = 256
	}
	historySize := te.HistorySize
	if historySize == 0 {
		historySize = 200
	}

	return engine.Config{
		Enabled:        enabled,
		Workers:        workers,
		QueueSize:      queueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxQueueDelay,
		HistorySize:    historySize,
		// 0 by default: a failed invocation is reported, not repeated.
		RetryMax: te.RetryMax,
	}, nil
}

func mapHostConfig(cfg *config.Config) (host.Config, error) {
	var ds config.Durations
	out := host.Config{
		InstanceID:       strings.TrimSpace(cfg.Host.InstanceID),
		PastDueThreshold: ds.Field("host.past_due_threshold", cfg.Host.PastDueThreshold),
		DefaultTimeout:   ds.Field("host.default_timeout", cfg.Host.DefaultTimeout),
	}
	if len(cfg.Functions) > 0 {
		out.Functions = make(map[string]host.FunctionConfig, len(cfg.Functions))
	}
	for name, fc := range cfg.Functions {
		key := strings.TrimSpace(name)
		if key == "" {
			return host.Config{}, fmt.Errorf("functions: empty function name")
		}
		if s := strings.TrimSpace(fc.Schedule); s != "" {
			p, err := scheduler.ParseSchedule(s)
			if err == nil {
				_, err = p.Schedule()
			}
			if err != nil {
				return host.Config{}, fmt.Errorf("functions.%s.schedule: %w", key, err)
			}
		}
		var overlap *scheduler.OverlapPolicy
		if v := strings.TrimSpace(fc.Overlap); v != "" {
			p, ok := engine.ParseOverlapPolicy(v)
			if !ok {
				return host.Config{}, fmt.Errorf("functions.%s.overlap: unknown policy %q (use skip_if_running or allow)", key, v)
			}
			overlap = &p
		}
		out.Functions[key] = host.FunctionConfig{
			Enabled:      fc.Enabled,
			Schedule:     strings.TrimSpace(fc.Schedule),
			RunOnStartup: fc.RunOnStartup,
			UseMonitor:   fc.UseMonitor,
			Timeout:      ds.Field("functions."+key+".timeout", fc.Timeout),
			Overlap:      overlap,
		}
	}
	if err := ds.Err(); err != nil {
		return host.Config{}, err
	}
	return out, nil
}

func mapShutdownTimeout(cfg *config.Config) (time.Duration, error) {
	var ds config.Durations
	d := ds.FieldOr("host.shutdown_timeout", cfg.Host.ShutdownTimeout, defaultShutdownTimeout)
	return d, ds.Err()
}

func mapTracingConfig(cfg *config.Config) (tracing.Config, error) {
	tc := cfg.Tracing
	if tc.SampleRatio < 0 || tc.SampleRatio > 1 {
		return tracing.Config{}, fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	out := tracing.Config{
		Enabled:        tc.Enabled,
		Endpoint:       strings.TrimSpace(tc.Endpoint),
		Insecure:       tc.Insecure,
		ServiceName:    strings.TrimSpace(tc.ServiceName),
		ServiceVersion: strings.TrimSpace(tc.ServiceVersion),
		SampleRatio:    tc.SampleRatio,
	}
	if out.ServiceVersion == "" {
		out.ServiceVersion = Version
	}
	return tracing.FromEnv(out), nil
}

func mapDiagConfig(cfg *config.Config) (diag.Config, error) {
	d := cfg.Diag
	var ds config.Durations
	read := ds.Field("diag.read_timeout", d.ReadTimeout)
	write := ds.Field("diag.write_timeout", d.WriteTimeout)
	idle := ds.Field("diag.idle_timeout", d.IdleTimeout)
	if err := ds.Err(); err != nil {
		return diag.Config{}, err
	}
	if d.MutexProfileFraction < 0 || d.BlockProfileRate < 0 || d.MemProfileRate < 0 {
		return diag.Config{}, fmt.Errorf("diag profile rates must be >= 0")
	}
	return diag.Config{
		Enabled:              d.Enabled,
		Addr:                 strings.TrimSpace(d.Addr),
		Prefix:               strings.TrimSpace(d.Prefix),
		Token:                strings.TrimSpace(d.Token),
		AllowInsecure:        d.AllowInsecure,
		ReadTimeout:          read,
		WriteTimeout:         write,
		IdleTimeout:          idle,
		MutexProfileFraction: d.MutexProfileFraction,
		BlockProfileRate:     d.BlockProfileRate,
		MemProfileRate:       d.MemProfileRate,
	}, nil
}

// validateConfig rejects configs that cannot be applied. It runs before a
// reloaded config is committed.
func validateConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHostConfig(cfg); err != nil {
		return err
	}
	if _, err := mapShutdownTimeout(cfg); err != nil {
		return err
	}
	if _, err := mapTracingConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDiagConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	return nil
}
