package engine

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"tickhost/internal/eventbus"
	logx "tickhost/pkg/logx"
)

// slowTask promotes task.completed from debug to info.
const slowTask = 750 * time.Millisecond

func (s *Service) worker(ctx context.Context, g *generation, idx int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(idx)<<32))
	for {
		// A closed stop channel wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-g.stop:
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case <-g.stop:
			return
		case qt := <-g.queue:
			s.inFlight.Add(1)
			s.exec(ctx, g.stop, qt, retryPolicy{opt: qt.opt, rng: rng})
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) exec(ctx context.Context, stop <-chan struct{}, qt queuedTask, retry retryPolicy) {
	start := time.Now()
	item := HistoryItem{ID: qt.ID, Name: qt.Name, Started: start, QueueDelay: max(start.Sub(qt.enqueuedAt), 0)}

	s.mu.Lock()
	maxDelay := s.cfg.MaxQueueDelay
	s.mu.Unlock()
	if maxDelay > 0 && item.QueueDelay > maxDelay {
		item.Error = "stale_queue_delay"
		s.dropStale.Add(1)
		s.publish(eventbus.TaskDropped, item)
		s.record(item)
		if s.staleWarns.Allow() {
			s.log.Warn("task dropped: stale queue", logx.String("task", qt.Name), logx.String("id", qt.ID),
				logx.Duration("queue_delay", item.QueueDelay), logx.Uint64("dropped_stale", s.dropStale.Load()))
		}
		s.finish(qt, ErrStale)
		return
	}

	s.log.Debug("task.started", logx.String("task", qt.Name), logx.Duration("queue_delay", item.QueueDelay))
	s.publish(eventbus.TaskStarted, item)

	err := s.attempts(ctx, stop, qt, retry, &item.Attempts)
	item.Duration = time.Since(start)

	fields := []logx.Field{
		logx.String("task", qt.Name),
		logx.Duration("queue_delay", item.QueueDelay),
		logx.Duration("dur", item.Duration),
		logx.Int("attempts", item.Attempts),
	}
	switch {
	case err != nil:
		item.Error = err.Error()
		s.log.Warn("task.failed", append(fields, logx.Err(err))...)
		s.publish(eventbus.TaskFailed, item)
	case item.Duration >= slowTask:
		s.log.Info("task.completed", fields...)
		s.publish(eventbus.TaskFinished, item)
	default:
		s.log.Debug("task.completed", fields...)
		s.publish(eventbus.TaskFinished, item)
	}
	s.record(item)
	s.finish(qt, err)
}

// attempts runs qt until it succeeds, fails permanently, exhausts its
// retries, or the pool stops during a backoff.
func (s *Service) attempts(ctx context.Context, stop <-chan struct{}, qt queuedTask, retry retryPolicy, n *int) error {
	for {
		*n++
		err := s.runOnce(ctx, qt)
		if err == nil {
			return nil
		}
		delay, again := retry.next(*n, &err)
		if !again {
			return err
		}
		s.log.Debug("task retry scheduled", logx.String("task", qt.Name), logx.Int("attempt", *n+1), logx.Duration("delay", delay), logx.Err(err))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-stop:
			t.Stop()
			return ErrStopping
		case <-t.C:
		}
	}
}

// runOnce calls Run under the task timeout. A panic is returned as an error
// so one bad task cannot kill its worker.
func (s *Service) runOnce(ctx context.Context, qt queuedTask) (err error) {
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic", logx.String("task", qt.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return qt.Run(ctx)
}

// finish opens the overlap gate before reporting, so Done may trigger the
// next run.
func (s *Service) finish(qt queuedTask, err error) {
	qt.gate.release()
	if qt.Done != nil {
		qt.Done(err)
	}
}
