// Package timertick is the scheduled trigger handler: every second it emits
// one informational record. Tracing is attached by the host, not here.
package timertick

import (
	"context"
	"errors"

	"tickhost/internal/host"
	"tickhost/internal/invocation"
)

const (
	// Name is the registration name.
	Name = "TimerTrigger"
	// Schedule fires at every whole second (seconds field first).
	Schedule = "*/1 * * * * *"
	// Message is the fixed record written per invocation.
	Message = "Timer tick — trace generated"
)

var errNoContext = errors.New("timertick: nil invocation context")

// Run handles one firing. It writes exactly one record and returns the sink's
// error, if any, to the host.
func Run(_ context.Context, inv *invocation.Context) error {
	if inv == nil {
		return errNoContext
	}
	return inv.Log.Info(Message)
}

// Register binds Run to its timer trigger.
func Register(reg host.Registrar) error {
	return reg.Register(host.Registration{
		Name:         Name,
		Schedule:     Schedule,
		RunOnStartup: true,
		Entry:        Run,
	})
}
