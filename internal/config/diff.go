package config

import (
	"reflect"
	"slices"
	"strings"

	logx "tickhost/pkg/logx"
)

// section is one top-level config block as seen by reload logging. view
// returns a normalized, secret-free value that is compared across reloads;
// attrs describes the new value.
type section struct {
	name  string
	view  func(c *Config) any
	attrs func(c *Config) []logx.Field
}

var sections = []section{
	{
		name: "host",
		view: func(c *Config) any {
			h := c.Host
			return HostConfig{
				InstanceID:       strings.TrimSpace(h.InstanceID),
				PastDueThreshold: strings.TrimSpace(h.PastDueThreshold),
				DefaultTimeout:   strings.TrimSpace(h.DefaultTimeout),
				ShutdownTimeout:  strings.TrimSpace(h.ShutdownTimeout),
			}
		},
		attrs: func(c *Config) []logx.Field {
			return []logx.Field{
				logx.String("host.instance_id", c.Host.InstanceID),
				logx.String("host.past_due_threshold", c.Host.PastDueThreshold),
				logx.String("host.default_timeout", c.Host.DefaultTimeout),
				logx.String("host.shutdown_timeout", c.Host.ShutdownTimeout),
			}
		},
	},
	{
		name: "logging",
		view: func(c *Config) any {
			l := c.Logging
			l.File.Path = strings.TrimSpace(l.File.Path)
			return l
		},
		attrs: func(c *Config) []logx.Field {
			return []logx.Field{
				logx.String("logging.level", c.Logging.Level),
				logx.Bool("logging.console", c.Logging.Console),
				logx.Bool("logging.file", c.Logging.File.Enabled),
			}
		},
	},
	{
		name: "scheduler",
		view: func(c *Config) any {
			return [2]any{c.SchedulerEnabled(), strings.TrimSpace(c.Scheduler.Timezone)}
		},
		attrs: func(c *Config) []logx.Field {
			return []logx.Field{
				logx.Bool("scheduler.enabled", c.SchedulerEnabled()),
				logx.String("scheduler.timezone", strings.TrimSpace(c.Scheduler.Timezone)),
			}
		},
	},
	{
		name: "task_engine",
		view: func(c *Config) any { return c.TaskEngine },
		attrs: func(c *Config) []logx.Field {
			var te TaskEngineConfig
			if c.TaskEngine != nil {
				te = *c.TaskEngine
			}
			return []logx.Field{
				logx.Bool("task_engine.present", c.TaskEngine != nil),
				logx.Bool("task_engine.enabled", te.Enabled == nil || *te.Enabled),
				logx.Int("task_engine.workers", te.Workers),
				logx.Int("task_engine.queue_size", te.QueueSize),
				logx.String("task_engine.default_timeout", te.DefaultTimeout),
				logx.String("task_engine.max_queue_delay", te.MaxQueueDelay),
				logx.Int("task_engine.history_size", te.HistorySize),
				logx.Int("task_engine.retry_max", te.RetryMax),
			}
		},
	},
	{
		name: "tracing",
		view: func(c *Config) any { return c.Tracing },
		attrs: func(c *Config) []logx.Field {
			return []logx.Field{
				logx.Bool("tracing.enabled", c.Tracing.Enabled),
				logx.Bool("tracing.endpoint_set", strings.TrimSpace(c.Tracing.Endpoint) != ""),
				logx.Float64("tracing.sample_ratio", c.Tracing.SampleRatio),
			}
		},
	},
	{
		name: "storage",
		view: func(c *Config) any {
			if c.Storage == nil {
				return StorageConfig{}
			}
			return StorageConfig{
				Driver:      strings.ToLower(strings.TrimSpace(c.Storage.Driver)),
				Path:        strings.TrimSpace(c.Storage.Path),
				BusyTimeout: strings.TrimSpace(c.Storage.BusyTimeout),
			}
		},
		attrs: func(c *Config) []logx.Field {
			var s StorageConfig
			if c.Storage != nil {
				s = *c.Storage
			}
			return []logx.Field{
				logx.String("storage.driver", s.Driver),
				logx.Bool("storage.path_set", strings.TrimSpace(s.Path) != ""),
				logx.String("storage.busy_timeout", s.BusyTimeout),
			}
		},
	},
	{
		// Only token presence is compared, so rotating a token is silent.
		name: "diag",
		view: func(c *Config) any {
			d := c.Diag
			if strings.TrimSpace(d.Token) != "" {
				d.Token = "set"
			} else {
				d.Token = ""
			}
			return d
		},
		attrs: func(c *Config) []logx.Field {
			d := c.Diag
			return []logx.Field{
				logx.Bool("diag.enabled", d.Enabled),
				logx.String("diag.addr", strings.TrimSpace(d.Addr)),
				logx.String("diag.prefix", strings.TrimSpace(d.Prefix)),
				logx.Bool("diag.token_set", strings.TrimSpace(d.Token) != ""),
				logx.Bool("diag.allow_insecure", d.AllowInsecure),
			}
		},
	},
	{
		name: "systemd",
		view: func(c *Config) any { return c.SystemdNotify() },
		attrs: func(c *Config) []logx.Field {
			return []logx.Field{logx.Bool("systemd.notify", c.SystemdNotify())}
		},
	},
}

// SummarizeConfigChange compares two configs for reload logging. It
// returns the changed section names (sorted), log fields describing the new
// values of those sections (never secrets), and the sorted names of
// functions whose overrides were added, removed or edited.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, functions []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.view(oldCfg), s.view(newCfg)) {
			changed = append(changed, s.name)
			attrs = append(attrs, s.attrs(newCfg)...)
		}
	}

	functions = changedFunctions(oldCfg.Functions, newCfg.Functions)
	if len(functions) > 0 {
		changed = append(changed, "functions")
		attrs = append(attrs,
			logx.Int("functions.changed_count", len(functions)),
			logx.Int("functions.override_count", len(newCfg.Functions)),
		)
	}
	slices.Sort(changed)
	return changed, attrs, functions
}

func changedFunctions(before, after map[string]FunctionConfig) []string {
	var out []string
	for name, b := range before {
		if a, ok := after[name]; !ok || !reflect.DeepEqual(a, b) {
			out = append(out, name)
		}
	}
	for name := range after {
		if _, ok := before[name]; !ok {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}
