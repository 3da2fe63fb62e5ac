package host

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tickhost/internal/eventbus"
	"tickhost/internal/storage"
	"tickhost/internal/task/scheduler"
	logx "tickhost/pkg/logx"
)

const defaultPastDueThreshold = time.Second

// StatusStore is the schedule monitor used for past-due detection.
type StatusStore interface {
	GetStatus(ctx context.Context, name string) (storage.ScheduleStatus, bool, error)
	PutStatus(ctx context.Context, st storage.ScheduleStatus) error
}

type Host struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	sched *scheduler.Service
	store StatusStore

	regs     []Registration
	byName   map[string]int
	active   map[string]Registration
	wrappers []Wrapper
	started  bool
}

// New creates a host delivering through sched. store may be nil, which
// disables the schedule monitor for every function.
func New(cfg Config, sched *scheduler.Service, store StatusStore, log logx.Logger, bus eventbus.Bus) *Host {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Host{
		cfg:    normalize(cfg),
		log:    log,
		bus:    bus,
		sched:  sched,
		store:  store,
		byName: map[string]int{},
		active: map[string]Registration{},
	}
}

func normalize(cfg Config) Config {
	if cfg.PastDueThreshold <= 0 {
		cfg.PastDueThreshold = defaultPastDueThreshold
	}
	if strings.TrimSpace(cfg.InstanceID) == "" {
		cfg.InstanceID = defaultInstanceID()
	}
	return cfg
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "tickhost"
	}
	return host + "-" + uuid.NewString()[:8]
}

// InstanceID identifies this host process.
func (h *Host) InstanceID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cfg.InstanceID
}

// Register adds a function. Names are unique; the schedule must parse.
func (h *Host) Register(r Registration) error {
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return fmt.Errorf("%w: name required", ErrInvalidFunction)
	}
	if r.Entry == nil {
		return fmt.Errorf("%w: %q has no entry", ErrInvalidFunction, r.Name)
	}
	if err := validateSchedule(r.Schedule); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidFunction, r.Name, err)
	}

	h.mu.Lock()
	if _, dup := h.byName[r.Name]; dup {
		h.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrDuplicateFunction, r.Name)
	}
	h.byName[r.Name] = len(h.regs)
	h.regs = append(h.regs, r)
	started := h.started
	h.mu.Unlock()

	h.log.Debug("function registered", logx.String("function", r.Name), logx.String("schedule", r.Schedule))
	if started {
		return h.activate(r, true)
	}
	return nil
}

// Use appends invocation wrappers. Wrappers apply outermost first, in the
// order they were added, and affect invocations delivered after the call.
func (h *Host) Use(w ...Wrapper) {
	h.mu.Lock()
	h.wrappers = append(h.wrappers, w...)
	h.mu.Unlock()
}

// Start schedules every enabled function and fires run-on-startup ones once.
func (h *Host) Start(_ context.Context) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return nil
	}
	h.started = true
	regs := append([]Registration(nil), h.regs...)
	h.mu.Unlock()

	var errs []error
	for _, r := range regs {
		if err := h.activate(r, true); err != nil {
			errs = append(errs, err)
		}
	}
	h.log.Info("host started", logx.String("instance", h.InstanceID()), logx.Int("functions", len(regs)))
	return errors.Join(errs...)
}

// Stop unschedules all functions. In-flight invocations finish in the engine.
func (h *Host) Stop(_ context.Context) {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return
	}
	h.started = false
	names := make([]string, 0, len(h.active))
	for name := range h.active {
		names = append(names, name)
	}
	h.active = map[string]Registration{}
	h.mu.Unlock()

	for _, name := range names {
		h.sched.Remove(name)
	}
	h.log.Info("host stopped")
}

// Apply swaps the delivery config and, when running, re-applies per-function
// overrides. Run-on-startup is not repeated.
func (h *Host) Apply(cfg Config) error {
	h.mu.Lock()
	if strings.TrimSpace(cfg.InstanceID) == "" {
		// A generated id stays stable for the life of the process.
		cfg.InstanceID = h.cfg.InstanceID
	}
	h.cfg = normalize(cfg)
	started := h.started
	regs := append([]Registration(nil), h.regs...)
	h.mu.Unlock()

	if !started {
		return nil
	}
	var errs []error
	for _, r := range regs {
		if err := h.activate(r, false); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Invoke runs name once outside its schedule and returns the function's
// error. It runs even while a scheduled invocation of name is in flight.
func (h *Host) Invoke(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if _, ok := h.activeReg(name); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownFunction, name)
	}
	done := make(chan error, 1)
	if err := h.sched.RunNow(ctx, name, time.Time{}, func(err error) { done <- err }); err != nil {
		return fmt.Errorf("host: invoke %q: %w", name, err)
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// effective merges config overrides into r.
func (h *Host) effective(r Registration) (Registration, bool) {
	h.mu.Lock()
	cfg := h.cfg
	h.mu.Unlock()

	enabled := true
	if fc, ok := cfg.Functions[r.Name]; ok {
		if fc.Enabled != nil {
			enabled = *fc.Enabled
		}
		if s := strings.TrimSpace(fc.Schedule); s != "" {
			r.Schedule = s
		}
		if fc.RunOnStartup != nil {
			r.RunOnStartup = *fc.RunOnStartup
		}
		if fc.UseMonitor != nil {
			r.UseMonitor = *fc.UseMonitor
		}
		if fc.Timeout > 0 {
			r.Timeout = fc.Timeout
		}
		if fc.Overlap != nil {
			r.Overlap = *fc.Overlap
		}
	}
	if r.Timeout <= 0 {
		r.Timeout = cfg.DefaultTimeout
	}
	return r, enabled
}

func (h *Host) activate(r Registration, startup bool) error {
	eff, enabled := h.effective(r)
	if !enabled {
		h.mu.Lock()
		_, was := h.active[r.Name]
		delete(h.active, r.Name)
		h.mu.Unlock()
		if was {
			h.sched.Remove(r.Name)
		}
		h.log.Info("function disabled", logx.String("function", r.Name))
		return nil
	}

	opt := scheduler.TaskOptions{Overlap: eff.Overlap}
	if _, err := h.sched.AddScheduleOpt(eff.Name, eff.Schedule, eff.Timeout, opt, h.job(eff.Name)); err != nil {
		return fmt.Errorf("host: schedule %q: %w", eff.Name, err)
	}
	h.mu.Lock()
	h.active[eff.Name] = eff
	h.mu.Unlock()

	h.log.Info("function scheduled",
		logx.String("function", eff.Name),
		logx.String("schedule", eff.Schedule),
		logx.Bool("run_on_startup", eff.RunOnStartup),
		logx.Bool("use_monitor", eff.UseMonitor && h.store != nil),
		logx.String("overlap", eff.Overlap.String()),
	)

	if startup && eff.RunOnStartup {
		if err := h.sched.Trigger(eff.Name, time.Time{}, nil); err != nil {
			h.log.Warn("run on startup failed to enqueue", logx.String("function", eff.Name), logx.Any("err", err))
		}
	}
	return nil
}

func (h *Host) activeReg(name string) (Registration, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.active[name]
	return r, ok
}

func (h *Host) job(name string) scheduler.Job {
	return func(ctx context.Context, slot time.Time) error {
		r, ok := h.activeReg(name)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownFunction, name)
		}
		return h.deliver(ctx, r, slot)
	}
}

func validateSchedule(raw string) error {
	ps, err := scheduler.ParseSchedule(raw)
	if err != nil {
		return err
	}
	_, err = ps.Schedule()
	return err
}
