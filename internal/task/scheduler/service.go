package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"tickhost/internal/task/engine"
	logx "tickhost/pkg/logx"
)

func New(cfg Config, eng *engine.Service, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		engine:  eng,
		entries: map[string]*entry{},
		warns:   map[string]*rate.Limiter{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Location returns the timezone schedules are evaluated in.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locationLocked()
}

// Apply swaps the config. A timezone change rebuilds the running cron.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tzChanged := strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	if s.c == nil || !tzChanged {
		return
	}
	<-s.c.Stop().Done()
	s.c = nil
	s.loc = nil
	s.startLocked()
	s.log.Info("scheduler restarted", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.entries)))
}

// Start begins triggering. Execution happens in the engine.
func (s *Service) Start(_ context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled")
		return
	}
	s.startLocked()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.entries)))
}

func (s *Service) startLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cronLogger{log: s.log}),
	)
	for _, name := range s.order {
		s.armLocked(s.entries[name])
	}
	s.c.Start()
}

// Stop ends triggering. Registrations are kept for the next Start.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, e := range s.entries {
		e.cronID = 0
	}
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) locationLocked() *time.Location {
	if s.loc != nil {
		return s.loc
	}
	return s.loadLocationLocked()
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// cronLogger sends robfig/cron's own logging to logx.
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	if l.log.Enabled(logx.LevelDebug) {
		l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
	}
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			out = append(out, logx.Any(k, kv[i+1]))
		}
	}
	return out
}
