package config

// Config is the tickhost configuration file (JSON or YAML).
//
// Unknown keys are rejected. Durations are Go duration strings ("500ms",
// "10s") or hh:mm:ss spans ("00:00:05").
type Config struct {
	Host    HostConfig    `json:"host"`
	Logging LoggingConfig `json:"logging"`

	// Scheduler controls triggering (cron / interval).
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls invocation execution. Omitted means defaults.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	// Functions overrides registered functions by name.
	Functions map[string]FunctionConfig `json:"functions,omitempty"`

	Tracing TracingConfig  `json:"tracing,omitempty"`
	Storage *StorageConfig `json:"storage,omitempty"`
	Diag    DiagConfig     `json:"diag,omitempty"`
	Systemd SystemdConfig  `json:"systemd,omitempty"`
}

// HostConfig controls invocation delivery.
type HostConfig struct {
	// InstanceID identifies this process in invocation contexts and traces.
	// Default: hostname plus a short random suffix.
	InstanceID string `json:"instance_id,omitempty"`

	// PastDueThreshold is how late a firing may start before it is flagged past due.
	// Default: "1s".
	PastDueThreshold string `json:"past_due_threshold,omitempty"`

	// DefaultTimeout bounds a single invocation when the function sets none.
	// Use "0s" (or omit) for no bound.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	// ShutdownTimeout bounds graceful stop. Default: "10s".
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

// FunctionConfig overrides one registration. Omitted fields keep the
// registered value.
type FunctionConfig struct {
	Enabled      *bool  `json:"enabled,omitempty"`
	Schedule     string `json:"schedule,omitempty"`
	RunOnStartup *bool  `json:"run_on_startup,omitempty"`
	UseMonitor   *bool  `json:"use_monitor,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
	Overlap      string `json:"overlap,omitempty"` // "skip_if_running" (default) or "allow"
}

// TaskEngineConfig controls the task execution engine.
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 0 (the host does not retry failed invocations)
type TaskEngineConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	Workers int   `json:"workers,omitempty"`

	QueueSize int `json:"queue_size,omitempty"`

	DefaultTimeout string `json:"default_timeout,omitempty"`

	// MaxQueueDelay drops invocations that have been queued longer than this duration.
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
	RetryMax    int `json:"retry_max,omitempty"`
}

// StorageConfig controls the schedule monitor store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./tickhost.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// TracingConfig controls the OpenTelemetry tracing agent. OTEL_* environment
// variables fill fields left empty here.
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	Endpoint       string  `json:"endpoint,omitempty"`
	Insecure       bool    `json:"insecure,omitempty"`
	ServiceName    string  `json:"service_name,omitempty"`
	ServiceVersion string  `json:"service_version,omitempty"`
	SampleRatio    float64 `json:"sample_ratio,omitempty"`
}

// DiagConfig controls the optional diagnostics HTTP server (health, status, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DiagConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // pprof prefix, default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// WriteTimeout defaults to 0 (disabled) so /profile (30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

// SystemdConfig controls sd_notify integration. Notifications are sent only
// when the process runs under systemd (NOTIFY_SOCKET set).
type SystemdConfig struct {
	Notify *bool `json:"notify,omitempty"` // default true
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the scheduler (trigger) service.
type SchedulerConfig struct {
	// Enabled defaults to true when omitted.
	Enabled *bool `json:"enabled,omitempty"`

	// Trigger timezone (IANA name). Default: local time.
	Timezone string `json:"timezone,omitempty"`
}

// SchedulerEnabled reports the effective scheduler.enabled value.
func (c *Config) SchedulerEnabled() bool {
	return c == nil || c.Scheduler.Enabled == nil || *c.Scheduler.Enabled
}

// SystemdNotify reports the effective systemd.notify value.
func (c *Config) SystemdNotify() bool {
	return c == nil || c.Systemd.Notify == nil || *c.Systemd.Notify
}
