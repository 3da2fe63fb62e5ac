package engine

import (
	"context"
	"time"
)

// Config controls the execution engine. The scheduler only triggers; every
// execution setting lives here.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout applies when Task.Timeout is 0.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops a task that waited in the queue longer than this.
	// 0 disables the check.
	MaxQueueDelay time.Duration

	HistorySize int

	// RetryMax is the number of host retries after a failed run.
	RetryMax int
}

func (c Config) normalized() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

type OverlapPolicy int

const (
	OverlapSkipIfRunning OverlapPolicy = iota
	OverlapAllow
)

// ParseOverlapPolicy maps a config value to a policy.
func ParseOverlapPolicy(s string) (OverlapPolicy, bool) {
	switch s {
	case "", "skip", "skip_if_running":
		return OverlapSkipIfRunning, true
	case "allow":
		return OverlapAllow, true
	}
	return OverlapSkipIfRunning, false
}

func (p OverlapPolicy) String() string {
	if p == OverlapAllow {
		return "allow"
	}
	return "skip_if_running"
}

// TaskOptions tunes overlap and retry for one task.
type TaskOptions struct {
	Overlap       OverlapPolicy
	RetryMax      int // <0 disables retries for this task; 0 uses the engine default
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // fraction of the delay, 0.2 = ±20%
}

// DefaultTaskOptions returns the options a task gets when it sets none.
func DefaultTaskOptions(cfg Config) TaskOptions {
	return TaskOptions{}.resolve(cfg)
}

func (o TaskOptions) resolve(cfg Config) TaskOptions {
	switch {
	case o.RetryMax < 0:
		o.RetryMax = 0
	case o.RetryMax == 0:
		o.RetryMax = cfg.RetryMax
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	if o.Overlap != OverlapAllow {
		o.Overlap = OverlapSkipIfRunning
	}
	return o
}

// Task is a unit of work executed by the engine.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Opt     TaskOptions

	// State gates overlap under OverlapSkipIfRunning. Tasks without one
	// share a gate per Name.
	State *RunState

	// Done, if set, receives the final result after retries.
	Done func(err error)
}

// HistoryItem records one finished or dropped task.
type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// TaskEvent is the payload of task.* events on the bus.
type TaskEvent = HistoryItem

// DropCounts splits dropped tasks by cause.
type DropCounts struct {
	Total     uint64 `json:"total"`
	QueueFull uint64 `json:"queue_full"`
	Stale     uint64 `json:"stale"`
}

type Snapshot struct {
	Enabled        bool          `json:"enabled"`
	Workers        int           `json:"workers"`
	InFlight       int           `json:"in_flight"`
	QueueLen       int           `json:"queue_len"`
	QueueCap       int           `json:"queue_cap"`
	Dropped        DropCounts    `json:"dropped"`
	DefaultTimeout time.Duration `json:"default_timeout"`
	MaxQueueDelay  time.Duration `json:"max_queue_delay"`
	RetryMax       int           `json:"retry_max"`
	History        []HistoryItem `json:"history"`
}
