package host

import (
	"context"
	"errors"
	"time"

	"tickhost/internal/invocation"
	"tickhost/internal/task/scheduler"
)

var (
	ErrDuplicateFunction = errors.New("host: function already registered")
	// ErrUnknownFunction is returned for names that are not registered or not active.
	ErrUnknownFunction = errors.New("host: unknown function")
	ErrInvalidFunction = errors.New("host: invalid registration")
)

// Entry is a function entry point.
type Entry func(ctx context.Context, inv *invocation.Context) error

// Wrapper decorates an Entry; the tracing agent is one.
type Wrapper func(next Entry) Entry

// Chain applies wrappers around e; the first wrapper is outermost.
func Chain(e Entry, w ...Wrapper) Entry {
	for i := len(w) - 1; i >= 0; i-- {
		if w[i] != nil {
			e = w[i](e)
		}
	}
	return e
}

// Registration binds a function to its trigger.
type Registration struct {
	Name         string
	Schedule     string // six-field cron or hh:mm:ss
	RunOnStartup bool
	UseMonitor   bool
	Timeout      time.Duration
	Overlap      scheduler.OverlapPolicy // zero value skips a firing while the last run is pending
	Entry        Entry
}

// Registrar accepts function registrations.
type Registrar interface {
	Register(r Registration) error
}

// Config controls invocation delivery.
type Config struct {
	InstanceID       string
	PastDueThreshold time.Duration
	DefaultTimeout   time.Duration
	Functions        map[string]FunctionConfig
}

// FunctionConfig overrides a registration by name. Nil pointers and empty
// values keep the registered value.
type FunctionConfig struct {
	Enabled      *bool
	Schedule     string
	RunOnStartup *bool
	UseMonitor   *bool
	Timeout      time.Duration
	Overlap      *scheduler.OverlapPolicy
}

// InvocationEvent is the payload of function.* bus events.
type InvocationEvent struct {
	Function     string
	InvocationID string
	ScheduledAt  time.Time
	FiredAt      time.Time
	IsPastDue    bool
	Took         time.Duration
	Error        string
}

type FunctionInfo struct {
	Name         string        `json:"name"`
	Schedule     string        `json:"schedule"`
	Active       bool          `json:"active"`
	RunOnStartup bool          `json:"run_on_startup"`
	UseMonitor   bool          `json:"use_monitor"`
	Running      bool          `json:"running"`
	Timeout      time.Duration `json:"timeout"`
	Next         time.Time     `json:"next,omitzero"`
	Prev         time.Time     `json:"prev,omitzero"`
}

type Snapshot struct {
	InstanceID string             `json:"instance_id"`
	Functions  []FunctionInfo     `json:"functions"`
	Scheduler  scheduler.Snapshot `json:"scheduler"`
}
