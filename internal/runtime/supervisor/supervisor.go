// Package supervisor runs the host's long-lived goroutines (engine workers,
// config watcher, diagnostics server) under one cancellable context, with
// panic recovery, optional restart and per-goroutine status.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "tickhost/pkg/logx"
)

// State of one supervised goroutine.
type State string

const (
	StateRunning    State = "running"
	StateRestarting State = "restarting" // waiting out a backoff after a failure
	StateStopped    State = "stopped"
	StateFailed     State = "failed" // returned an error or gave up restarting
)

// TaskStatus describes one named goroutine.
type TaskStatus struct {
	Name      string    `json:"name"`
	State     State     `json:"state"`
	Restarts  int       `json:"restarts"`
	LastError string    `json:"last_error,omitempty"`
	Since     time.Time `json:"since"`
}

// Counters is the status summary exposed on /status.
type Counters struct {
	Active  int64        `json:"active"`
	Started uint64       `json:"started"`
	Tasks   []TaskStatus `json:"tasks,omitempty"`
}

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool
	firstErr    atomic.Pointer[error]

	started atomic.Uint64
	active  atomic.Int64
	wg      sync.WaitGroup

	mu    sync.Mutex
	tasks map[string]*TaskStatus

	doneOnce sync.Once
	doneCh   chan struct{}
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError makes the first error or panic from any goroutine cancel
// the supervisor context.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		log:    logx.Nop(),
		tasks:  map[string]*TaskStatus{},
		doneCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the supervisor context without waiting for goroutines to exit.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first recorded failure.
func (s *Supervisor) Err() error {
	if p := s.firstErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{
		Active:  s.active.Load(),
		Started: s.started.Load(),
		Tasks:   s.Status(),
	}
}

// Status lists every named goroutine, sorted by name.
func (s *Supervisor) Status() []TaskStatus {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	out := make([]TaskStatus, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Healthy reports whether no goroutine is failed or restarting.
func (s *Supervisor) Healthy() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.State == StateFailed || t.State == StateRestarting {
			return false
		}
	}
	return true
}

func (s *Supervisor) mark(name string, st State, err error, restart bool) {
	s.mu.Lock()
	t := s.tasks[name]
	if t == nil {
		t = &TaskStatus{Name: name}
		s.tasks[name] = t
	}
	t.State = st
	t.Since = time.Now()
	if err != nil {
		t.LastError = err.Error()
	}
	if restart {
		t.Restarts++
	}
	s.mu.Unlock()
}

// Go runs fn once. A panic or a non-cancellation error is recorded as the
// supervisor's error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.spawn(name, func(ctx context.Context) {
		err := s.runOnce(ctx, name, fn)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.mark(name, StateFailed, err, false)
			s.fail(fmt.Errorf("%s: %w", name, err))
			return
		}
		s.mark(name, StateStopped, nil, false)
	})
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

func (s *Supervisor) spawn(name string, body func(ctx context.Context)) {
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	s.mark(name, StateRunning, nil, false)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		s.log.Debug("goroutine started", logx.String("name", name))
		body(s.ctx)
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

// runOnce calls fn, converting a panic into an error.
func (s *Supervisor) runOnce(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

func (s *Supervisor) fail(err error) {
	s.setErr(err)
	if s.cancelOnErr {
		s.cancel()
	}
}

// RestartOption configures GoRestart.
type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff      time.Duration
	maxBackoff      time.Duration
	maxRestarts     int
	publishFirstErr bool
}

// WithRestartBackoff bounds the delay between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithMaxRestarts gives up after n restarts; 0 means unlimited.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// WithPublishFirstError makes GoRestart record its first failure as the
// supervisor's error.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.publishFirstErr = enabled }
}

// GoRestart runs fn and restarts it on error or panic with exponential
// backoff until the context is canceled. A nil return stops the loop.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxBackoff < cfg.minBackoff {
		cfg.maxBackoff = cfg.minBackoff
	}

	s.spawn(name, func(ctx context.Context) {
		backoff := cfg.minBackoff
		restarts := 0
		for ctx.Err() == nil {
			startedAt := time.Now()
			err := s.runOnce(ctx, name, fn)

			// Shutdown in progress: a return is a clean stop.
			if err == nil || ctx.Err() != nil || errors.Is(err, context.Canceled) {
				s.mark(name, StateStopped, nil, false)
				return
			}
			if cfg.publishFirstErr {
				s.setErr(fmt.Errorf("%s: %w", name, err))
			}

			restarts++
			if cfg.maxRestarts > 0 && restarts > cfg.maxRestarts {
				s.log.Error("goroutine gave up after restarts", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				s.mark(name, StateFailed, err, false)
				return
			}
			// A long healthy run resets the backoff.
			if time.Since(startedAt) >= 30*time.Second {
				backoff = cfg.minBackoff
			}
			wait := backoff + jitter(backoff)
			s.mark(name, StateRestarting, err, true)
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			select {
			case <-ctx.Done():
				s.mark(name, StateStopped, nil, false)
				return
			case <-time.After(wait):
			}
			s.mark(name, StateRunning, nil, false)
			backoff = min(backoff*2, cfg.maxBackoff)
		}
		s.mark(name, StateStopped, nil, false)
	})
}

// jitter is up to 20% of d.
func jitter(d time.Duration) time.Duration {
	j := int64(d) / 5
	if j <= 0 {
		return 0
	}
	return time.Duration(time.Now().UnixNano() % (j + 1))
}

// Stop cancels the context and waits for every goroutine.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine returned or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}

func (s *Supervisor) setErr(err error) {
	if err == nil {
		return
	}
	s.firstErr.CompareAndSwap(nil, &err)
}
