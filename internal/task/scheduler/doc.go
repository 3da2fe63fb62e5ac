// Package scheduler provides trigger registration and fire-time calculation
// (six-field cron and fixed intervals).
//
// Execution is delegated to internal/task/engine. The scheduler is responsible only for:
//   - registering schedules
//   - computing next trigger times
//   - enqueueing one engine task per firing, tagged with the schedule slot
package scheduler
