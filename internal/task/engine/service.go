// Package engine executes triggered work on a bounded worker pool with
// overlap gating, timeouts, optional retries and a short run history.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"tickhost/internal/eventbus"
	rtsup "tickhost/internal/runtime/supervisor"
	logx "tickhost/pkg/logx"
)

const (
	dropWarnEvery = 5 * time.Second
	restartGrace  = 5 * time.Second // in-flight grace when Apply resizes the pool
)

type Service struct {
	mu  sync.Mutex
	cfg Config
	cur *generation

	log logx.Logger
	bus eventbus.Bus

	gates sync.Map // name -> *RunState
	hist  history
	idSeq atomic.Uint64

	inFlight       atomic.Int32
	dropQueueFull  atomic.Uint64
	dropStale      atomic.Uint64
	queueFullWarns *rate.Limiter
	staleWarns     *rate.Limiter
}

// generation is one Start..Stop cycle of the worker pool.
type generation struct {
	queue    chan queuedTask
	stop     chan struct{}
	sup      *rtsup.Supervisor
	sends    sync.WaitGroup // enqueues past the stopping check
	stopping bool
	stopped  chan struct{}
}

type queuedTask struct {
	Task
	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions
	gate       *RunState // nil when overlap is allowed
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:            cfg.normalized(),
		log:            log,
		bus:            bus,
		queueFullWarns: rate.NewLimiter(rate.Every(dropWarnEvery), 1),
		staleWarns:     rate.NewLimiter(rate.Every(dropWarnEvery), 1),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Supervisor returns the supervisor of the running worker pool, or nil.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return nil
	}
	return s.cur.sup
}

// Apply swaps the config. A running pool is restarted when its worker count
// or queue size changed; other settings apply to the next task.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.normalized()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.cur != nil && !s.cur.stopping
	s.mu.Unlock()

	if running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize) {
		stopCtx, cancel := context.WithTimeout(ctx, restartGrace)
		s.Stop(stopCtx)
		cancel()
		s.Start(ctx)
	}
}

// Start launches the worker pool. It is a no-op when disabled or running,
// and waits for an in-progress Stop to finish first.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	for s.cur != nil {
		g := s.cur
		stopping := g.stopping
		s.mu.Unlock()
		if !stopping {
			return
		}
		select {
		case <-g.stopped:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	cfg := s.cfg
	if !cfg.Enabled {
		s.mu.Unlock()
		return
	}
	g := &generation{
		queue:   make(chan queuedTask, cfg.QueueSize),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
		// A failing worker is restarted and must not take the host down.
		sup: rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
	}
	s.cur = g
	s.inFlight.Store(0)
	s.mu.Unlock()

	for i := range cfg.Workers {
		g.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, g, i)
			select {
			case <-g.stop:
				return nil
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize), logx.Int("retry_max", cfg.RetryMax))
}

// Stop closes the pool. In-flight tasks may finish until ctx is done and are
// cancelled after that; tasks still queued finish with ErrStopping.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	g := s.cur
	if g == nil {
		s.mu.Unlock()
		return
	}
	first := !g.stopping
	if first {
		g.stopping = true
		close(g.stop)
	}
	s.mu.Unlock()

	if first {
		go func() {
			// Workers leave after their current task. Whatever still runs
			// when ctx is done is cancelled.
			_ = g.sup.Wait(ctx)
			_ = g.sup.Stop(context.Background())
			g.sends.Wait()
			s.drain(g)
			s.mu.Lock()
			if s.cur == g {
				s.cur = nil
			}
			s.mu.Unlock()
			close(g.stopped)
		}()
	}

	select {
	case <-g.stopped:
		if first {
			s.log.Info("task engine stopped")
		}
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

// drain fails whatever the stopped workers left in the queue.
func (s *Service) drain(g *generation) {
	for {
		select {
		case qt := <-g.queue:
			s.finish(qt, ErrStopping)
		default:
			return
		}
	}
}

// Enqueue offers t to the queue without blocking and returns ErrQueueFull
// when there is no room.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit waits for queue space until ctx is done or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, wait bool) error {
	t.Name = strings.TrimSpace(t.Name)
	switch {
	case t.Run == nil:
		return errors.New("task Run is nil")
	case t.Name == "":
		return errors.New("task Name is required")
	}

	var err error
	s.mu.Lock()
	cfg, g := s.cfg, s.cur
	switch {
	case !cfg.Enabled:
		err = ErrDisabled
	case g == nil:
		err = ErrStopped
	case g.stopping:
		err = ErrStopping
	default:
		g.sends.Add(1)
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	defer g.sends.Done()

	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.idSeq.Add(1))
	}
	qt := queuedTask{Task: t, enqueuedAt: now, timeout: t.Timeout, opt: t.Opt.resolve(cfg)}
	if qt.timeout <= 0 {
		qt.timeout = cfg.DefaultTimeout
	}

	if qt.opt.Overlap == OverlapSkipIfRunning {
		qt.gate = t.State
		if qt.gate == nil {
			v, _ := s.gates.LoadOrStore(t.Name, &RunState{})
			qt.gate = v.(*RunState)
		}
		if !qt.gate.tryAcquire() {
			s.publish(eventbus.TaskSkipped, HistoryItem{ID: t.ID, Name: t.Name, Started: now, Error: "overlap_skip"})
			s.log.Debug("task skipped due to overlap", logx.String("task", t.Name), logx.String("id", t.ID))
			return ErrOverlapSkip
		}
	}

	if !wait {
		select {
		case g.queue <- qt:
			return nil
		default:
			qt.gate.release()
			s.dropQueueFull.Add(1)
			s.publish(eventbus.TaskDropped, HistoryItem{ID: t.ID, Name: t.Name, Started: now, Error: "queue_full"})
			if s.queueFullWarns.Allow() {
				s.log.Warn("task dropped: queue full", logx.String("task", t.Name), logx.String("id", t.ID),
					logx.Int("queue_cap", cap(g.queue)), logx.Uint64("dropped_queue_full", s.dropQueueFull.Load()))
			}
			return ErrQueueFull
		}
	}

	select {
	case g.queue <- qt:
		return nil
	case <-ctx.Done():
		qt.gate.release()
		return ctx.Err()
	case <-g.stop:
		qt.gate.release()
		return ErrStopping
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, g := s.cfg, s.cur
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:        cfg.Enabled,
		Workers:        cfg.Workers,
		InFlight:       int(s.inFlight.Load()),
		DefaultTimeout: cfg.DefaultTimeout,
		MaxQueueDelay:  cfg.MaxQueueDelay,
		RetryMax:       cfg.RetryMax,
		History:        s.hist.list(),
	}
	if g != nil {
		snap.QueueLen, snap.QueueCap = len(g.queue), cap(g.queue)
	}
	qf, st := s.dropQueueFull.Load(), s.dropStale.Load()
	snap.Dropped = DropCounts{Total: qf + st, QueueFull: qf, Stale: st}
	return snap
}

func (s *Service) publish(typ string, ev HistoryItem) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
	}
}

func (s *Service) record(it HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()
	s.hist.add(it, size)
}
