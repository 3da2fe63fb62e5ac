// Package invocation defines the per-invocation handle the host passes to a
// function: identity, schedule timing and the logging capability.
package invocation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ScheduleStatus is the monitor view of a schedule at invocation time.
// All fields are zero when the function does not use the schedule monitor.
type ScheduleStatus struct {
	Last        time.Time
	Next        time.Time
	LastUpdated time.Time
}

// Context carries invocation metadata. The host creates one immediately
// before each invocation and discards it after the function returns; it is
// never shared between invocations.
type Context struct {
	FunctionName string
	InvocationID string
	InstanceID   string

	// ScheduledAt is the schedule slot this firing belongs to. For unscheduled
	// runs (startup, manual) it equals FiredAt.
	ScheduledAt time.Time
	FiredAt     time.Time
	IsPastDue   bool

	Schedule ScheduleStatus

	Log Logger
}

// NewID returns a fresh random invocation id.
func NewID() string { return uuid.NewString() }

// Lateness is how far delivery trailed the schedule slot.
func (c *Context) Lateness() time.Duration {
	if c == nil || c.ScheduledAt.IsZero() || c.FiredAt.Before(c.ScheduledAt) {
		return 0
	}
	return c.FiredAt.Sub(c.ScheduledAt)
}

type contextKey struct{}

// NewContext returns a new context that carries inv.
func NewContext(parent context.Context, inv *Context) context.Context {
	return context.WithValue(parent, contextKey{}, inv)
}

// FromContext retrieves the Context stored in ctx, if any.
func FromContext(ctx context.Context) (*Context, bool) {
	inv, ok := ctx.Value(contextKey{}).(*Context)
	return inv, ok && inv != nil
}
