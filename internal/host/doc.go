// Package host runs registered functions on their schedules.
//
// The host owns everything around a function invocation: the registration
// table, the schedule (via internal/task/scheduler), delivery through the
// execution engine, the per-invocation Context, invocation wrappers (such as
// tracing), run-on-startup, past-due detection and the schedule monitor.
// Functions receive an *invocation.Context and return an error; they never
// see the scheduler or the engine.
package host
