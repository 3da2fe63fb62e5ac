package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// slotTracker wraps the schedule handed to cron and remembers the last two
// activation times cron computed. cron asks for the following activation
// right after starting a job, so the job's own slot is either the current or
// the previous value.
type slotTracker struct {
	cron.Schedule

	mu        sync.Mutex
	prev, cur time.Time
}

func newSlotTracker(s cron.Schedule) *slotTracker { return &slotTracker{Schedule: s} }

func (t *slotTracker) Next(now time.Time) time.Time {
	n := t.Schedule.Next(now)
	t.mu.Lock()
	t.prev, t.cur = t.cur, n
	t.mu.Unlock()
	return n
}

// slot returns the latest tracked activation at or before now. A late firing
// keeps its original slot, which is what past-due detection measures from.
func (t *slotTracker) slot(now time.Time) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case !t.cur.IsZero() && !t.cur.After(now):
		return t.cur
	case !t.prev.IsZero() && !t.prev.After(now):
		return t.prev
	}
	return now.Truncate(time.Second)
}
