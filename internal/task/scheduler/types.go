package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"tickhost/internal/task/engine"
	logx "tickhost/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA name; empty means Local
}

// Job is the work attached to a schedule. slot is the activation the firing
// belongs to, in the scheduler timezone; it is zero for unscheduled runs.
type Job func(ctx context.Context, slot time.Time) error

type (
	OverlapPolicy = engine.OverlapPolicy
	TaskOptions   = engine.TaskOptions
)

const (
	OverlapAllow         = engine.OverlapAllow
	OverlapSkipIfRunning = engine.OverlapSkipIfRunning
)

// entry is one registered schedule. gate survives re-registration under the
// same name so a replaced schedule cannot overlap its own in-flight run.
type entry struct {
	id      string
	name    string
	spec    string
	sched   cron.Schedule
	timeout time.Duration
	job     Job
	opt     TaskOptions
	gate    *engine.RunState
	cronID  cron.EntryID
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	loc     *time.Location
	c       *cron.Cron
	entries map[string]*entry
	order   []string // registration order, for stable snapshots

	log    logx.Logger
	engine *engine.Service

	warnMu sync.Mutex
	warns  map[string]*rate.Limiter
}

type ScheduleInfo struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Overlap string        `json:"overlap"`
	Running bool          `json:"running"`
	Next    time.Time     `json:"next,omitzero"`
	Prev    time.Time     `json:"prev,omitzero"`
}

type Snapshot struct {
	Enabled   bool            `json:"enabled"`
	Timezone  string          `json:"timezone"`
	Schedules []ScheduleInfo  `json:"schedules"`
	Engine    engine.Snapshot `json:"engine"`
}
