package app

import (
	"context"
	"fmt"
	"time"

	logx "tickhost/pkg/logx"
)

// StopReason is logged when the app stops.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

const slowStopStep = 500 * time.Millisecond

// stopStep is one component shutdown. budget caps the step but never
// extends the caller's deadline; run must honor its context.
type stopStep struct {
	name   string
	budget time.Duration
	run    func(context.Context) error
}

func quietStop(stop func(context.Context)) func(context.Context) error {
	return func(ctx context.Context) error {
		stop(ctx)
		return nil
	}
}

// runStopSteps runs steps in order and reports how many failed or overran.
// A step that overruns is abandoned; its late result is still logged.
func (a *App) runStopSteps(ctx context.Context, steps []stopStep) (failed int) {
	for _, st := range steps {
		if !a.runStopStep(ctx, st) {
			failed++
		}
	}
	return failed
}

func (a *App) runStopStep(ctx context.Context, st stopStep) bool {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, stepBudget(ctx, st.budget))
	defer cancel()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("panic: %v", r)
			}
		}()
		result <- st.run(stepCtx)
	}()

	log := a.log.With(logx.String("step", st.name))
	select {
	case err := <-result:
		took := time.Since(start)
		switch {
		case err != nil:
			log.Warn("stop step failed", logx.Err(err), logx.Duration("took", took))
			return false
		case took >= slowStopStep:
			log.Info("stop step slow", logx.Duration("took", took))
		default:
			log.Debug("stop step done", logx.Duration("took", took))
		}
		return true
	case <-stepCtx.Done():
		log.Warn("stop step overran, continuing", logx.Err(stepCtx.Err()), logx.Duration("budget", st.budget))
		go func() {
			err := <-result
			log.Warn("stop step finished late", logx.Err(err), logx.Duration("took", time.Since(start)))
		}()
		return false
	}
}

// stepBudget is budget clipped to what remains of ctx, and at least 1ms.
func stepBudget(ctx context.Context, budget time.Duration) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		budget = min(budget, time.Until(dl))
	}
	return max(budget, time.Millisecond)
}
