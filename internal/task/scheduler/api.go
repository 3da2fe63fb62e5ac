package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"tickhost/internal/task/engine"
	logx "tickhost/pkg/logx"
)

// ErrUnknownSchedule is returned when no schedule is registered under a name.
var ErrUnknownSchedule = errors.New("scheduler: unknown schedule")

// AddSchedule registers job under name with the default options: a firing
// is skipped while the previous run is queued or in flight.
//
// Accepted schedules:
//   - six-field cron: "*/1 * * * * *", "0 */5 * * * *", "@hourly", "@every 10s"
//   - hh:mm:ss interval: "00:00:01", "00:05:00"
//   - Go duration interval: "55m", "2h30m"
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job Job) (string, error) {
	return s.AddScheduleOpt(name, schedule, timeout, TaskOptions{}, job)
}

// AddScheduleOpt is AddSchedule with task options. Registering a name again
// replaces its schedule.
func (s *Service) AddScheduleOpt(name, schedule string, timeout time.Duration, opt TaskOptions, job Job) (string, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return "", errors.New("name required")
	case job == nil:
		return "", errors.New("job required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return "", err
	}
	sched, err := ps.Schedule()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := &entry{
		id:      fmt.Sprintf("%s:%d", ps.Source, time.Now().UnixNano()),
		name:    name,
		spec:    ps.Spec(),
		sched:   sched,
		timeout: timeout,
		job:     job,
		opt:     opt,
		gate:    &engine.RunState{},
	}
	if old, ok := s.entries[name]; ok {
		e.gate = old.gate
		s.disarmLocked(old)
	} else {
		s.order = append(s.order, name)
	}
	s.entries[name] = e

	if s.c == nil {
		return name, nil
	}
	s.armLocked(e)
	fields := []logx.Field{logx.String("name", name), logx.String("spec", e.spec), logx.Duration("timeout", timeout)}
	if next := s.preview(sched, 4); next != "" {
		fields = append(fields, logx.String("next", next))
	}
	s.log.Debug("schedule registered", fields...)
	return name, nil
}

// AddCron registers a six-field cron spec.
func (s *Service) AddCron(name, spec string, timeout time.Duration, job Job) (string, error) {
	return s.AddSchedule(name, "cron:"+spec, timeout, job)
}

// AddInterval registers a fixed interval.
func (s *Service) AddInterval(name string, every time.Duration, timeout time.Duration, job Job) (string, error) {
	return s.AddSchedule(name, "interval:"+every.String(), timeout, job)
}

// Remove unschedules name and reports whether it was registered.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	s.mu.Lock()
	e, ok := s.entries[name]
	if ok {
		s.disarmLocked(e)
		delete(s.entries, name)
		s.order = slices.DeleteFunc(s.order, func(n string) bool { return n == name })
	}
	s.mu.Unlock()
	if ok {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return ok
}

// Trigger enqueues one run of name outside its cadence. A zero slot marks
// an unscheduled run and reaches the job unchanged. done, when non-nil,
// receives the final result or the reason the run was dropped.
func (s *Service) Trigger(name string, slot time.Time, done func(err error)) error {
	s.mu.Lock()
	e, ok := s.entries[strings.TrimSpace(name)]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSchedule, name)
	}
	return s.enqueue(e, slot, done)
}

// RunNow runs name once on demand, waiting for queue space until ctx is
// done. It ignores the schedule's overlap gate, so a manual run is never
// skipped because a scheduled one is in flight. done receives the result.
func (s *Service) RunNow(ctx context.Context, name string, slot time.Time, done func(err error)) error {
	s.mu.Lock()
	e, ok := s.entries[strings.TrimSpace(name)]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSchedule, name)
	}
	if s.engine == nil {
		return engine.ErrStopped
	}
	opt := e.opt
	opt.Overlap = engine.OverlapAllow
	job := e.job
	return s.engine.Submit(ctx, engine.Task{
		Name:    e.name,
		Timeout: e.timeout,
		Run:     func(ctx context.Context) error { return job(ctx, slot) },
		Opt:     opt,
		Done:    done,
	})
}

// NextAfter returns the first activation of name strictly after t, in the
// scheduler timezone.
func (s *Service) NextAfter(name string, t time.Time) (time.Time, error) {
	s.mu.Lock()
	e, ok := s.entries[strings.TrimSpace(name)]
	loc := s.locationLocked()
	s.mu.Unlock()
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %q", ErrUnknownSchedule, name)
	}
	return e.sched.Next(t.In(loc)), nil
}

// armLocked adds e to the running cron. Each firing carries the activation
// it belongs to, even when cron runs it late.
func (s *Service) armLocked(e *entry) {
	tracker := newSlotTracker(e.sched)
	e.cronID = s.c.Schedule(tracker, cron.FuncJob(func() {
		if err := s.enqueue(e, tracker.slot(time.Now()), nil); err != nil {
			s.reportEnqueueError(e.name, err)
		}
	}))
}

func (s *Service) disarmLocked(e *entry) {
	if s.c != nil && e.cronID != 0 {
		s.c.Remove(e.cronID)
	}
	e.cronID = 0
}

func (s *Service) enqueue(e *entry, slot time.Time, done func(err error)) error {
	if s.engine == nil {
		return engine.ErrStopped
	}
	job := e.job
	return s.engine.Enqueue(engine.Task{
		Name:    e.name,
		Timeout: e.timeout,
		Run:     func(ctx context.Context) error { return job(ctx, slot) },
		Opt:     e.opt,
		State:   e.gate,
		Done:    done,
	})
}

// preview lists the next n activations for the debug log. Call with s.mu held.
func (s *Service) preview(sched cron.Schedule, n int) string {
	if !s.log.Enabled(logx.LevelDebug) {
		return ""
	}
	t := time.Now().In(s.locationLocked())
	out := make([]string, 0, n)
	for range n {
		if t = sched.Next(t); t.IsZero() {
			break
		}
		out = append(out, t.Format(time.DateTime))
	}
	return strings.Join(out, ", ")
}
