package scheduler

import (
	"errors"
	"time"

	"golang.org/x/time/rate"

	"tickhost/internal/task/engine"
	logx "tickhost/pkg/logx"
)

const enqueueWarnEvery = 5 * time.Second

// reportEnqueueError logs a firing the engine refused. Overlap skips are
// routine; everything else warns at most once per enqueueWarnEvery per
// schedule.
func (s *Service) reportEnqueueError(name string, err error) {
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("schedule trigger skipped", logx.String("schedule", name), logx.Err(err))
		return
	}
	s.warnMu.Lock()
	l, ok := s.warns[name]
	if !ok {
		l = rate.NewLimiter(rate.Every(enqueueWarnEvery), 1)
		s.warns[name] = l
	}
	s.warnMu.Unlock()
	if l.Allow() {
		s.log.Warn("schedule failed to enqueue task", logx.String("schedule", name), logx.Err(err))
	}
}
