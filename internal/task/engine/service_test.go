package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickhost/internal/eventbus"
	logx "tickhost/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) (*Service, eventbus.Bus) {
	t.Helper()
	cfg.Enabled = true
	bus := eventbus.New()
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, bus
}

func waitDone(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("task did not complete")
		return nil
	}
}

func TestEnqueueRunsTaskAndReportsError(t *testing.T) {
	t.Parallel()
	s, bus := startEngine(t, Config{Workers: 1})
	events, unsub := bus.Subscribe(16)
	defer unsub()

	sentinel := errors.New("sink unavailable")
	done := make(chan error, 1)
	err := s.Enqueue(Task{
		Name: "TimerTrigger",
		Run:  func(ctx context.Context) error { return sentinel },
		Done: func(err error) { done <- err },
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if got := waitDone(t, done); !errors.Is(got, sentinel) {
		t.Fatalf("Done err = %v, want %v", got, sentinel)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type == eventbus.TaskFailed {
				return
			}
		case <-deadline:
			t.Fatal("no task.failed event")
		}
	}
}

func TestOverlapSkipIfRunning(t *testing.T) {
	t.Parallel()
	s, _ := startEngine(t, Config{Workers: 2})

	release := make(chan struct{})
	started := make(chan struct{})
	state := &RunState{}
	first := Task{
		Name:  "slow",
		State: state,
		Run: func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		},
	}
	if err := s.Enqueue(first); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-started

	second := Task{Name: "slow", State: state, Run: func(ctx context.Context) error { return nil }}
	if err := s.Enqueue(second); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second Enqueue = %v, want ErrOverlapSkip", err)
	}
	close(release)
}

func TestOverlapAllowRunsConcurrently(t *testing.T) {
	t.Parallel()
	s, _ := startEngine(t, Config{Workers: 2})

	var running atomic.Int32
	var peak atomic.Int32
	release := make(chan struct{})
	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		err := s.Enqueue(Task{
			Name: "parallel",
			Opt:  TaskOptions{Overlap: OverlapAllow},
			Run: func(ctx context.Context) error {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				<-release
				running.Add(-1)
				return nil
			},
			Done: func(err error) { done <- err },
		})
		if err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	waitDone(t, done)
	waitDone(t, done)
	if peak.Load() != 2 {
		t.Fatalf("peak concurrency = %d, want 2", peak.Load())
	}
}

func TestNoRetryByDefault(t *testing.T) {
	t.Parallel()
	s, _ := startEngine(t, Config{Workers: 1})

	var calls atomic.Int32
	done := make(chan error, 1)
	_ = s.Enqueue(Task{
		Name: "once",
		Run: func(ctx context.Context) error {
			calls.Add(1)
			return errors.New("fail")
		},
		Done: func(err error) { done <- err },
	})
	waitDone(t, done)
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestRetryHonorsNoRetry(t *testing.T) {
	t.Parallel()
	s, _ := startEngine(t, Config{Workers: 1, RetryMax: 3})

	var calls atomic.Int32
	done := make(chan error, 1)
	_ = s.Enqueue(Task{
		Name: "permanent",
		Opt:  TaskOptions{RetryBase: time.Millisecond},
		Run: func(ctx context.Context) error {
			calls.Add(1)
			return NoRetry(errors.New("bad"))
		},
		Done: func(err error) { done <- err },
	})
	err := waitDone(t, done)
	if err == nil || IsNoRetry(err) {
		t.Fatalf("Done err = %v, want unwrapped failure", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestPanicBecomesError(t *testing.T) {
	t.Parallel()
	s, _ := startEngine(t, Config{Workers: 1})
	done := make(chan error, 1)
	_ = s.Enqueue(Task{
		Name: "panics",
		Run:  func(ctx context.Context) error { panic("boom") },
		Done: func(err error) { done <- err },
	})
	if err := waitDone(t, done); err == nil {
		t.Fatal("expected panic to be reported as error")
	}
	if h := s.Snapshot().History; len(h) != 1 || h[0].Error == "" {
		t.Fatalf("history = %+v", h)
	}
}

func TestEnqueueDisabledAndStopped(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: false}, logx.Nop(), nil)
	task := Task{Name: "x", Run: func(ctx context.Context) error { return nil }}
	if err := s.Enqueue(task); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled Enqueue = %v", err)
	}
	s2 := New(Config{Enabled: true}, logx.Nop(), nil)
	if err := s2.Enqueue(task); !errors.Is(err, ErrStopped) {
		t.Fatalf("stopped Enqueue = %v", err)
	}
}

func TestRetryPolicy(t *testing.T) {
	t.Parallel()
	opt := TaskOptions{RetryMax: 3}.resolve(Config{})
	p := retryPolicy{opt: opt, rng: rand.New(rand.NewSource(1))}

	for attempt := 1; attempt <= 3; attempt++ {
		err := errors.New("transient")
		d, again := p.next(attempt, &err)
		require.True(t, again, "attempt %d", attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, opt.RetryMaxDelay)
	}
	err := errors.New("transient")
	_, again := p.next(4, &err)
	assert.False(t, again)

	base := errors.New("bad input")
	err = NoRetry(base)
	_, again = p.next(1, &err)
	assert.False(t, again)
	assert.Same(t, base, err)

	err = RetryAfter(errors.New("busy"), time.Hour)
	d, again := p.next(1, &err)
	assert.True(t, again)
	assert.LessOrEqual(t, d, opt.RetryMaxDelay)

	assert.Equal(t, 500*time.Millisecond, p.base(1))
	assert.Equal(t, 2*time.Second, p.base(3))
	assert.Equal(t, 16*time.Second, p.base(50))
}

func TestHistoryRingKeepsNewest(t *testing.T) {
	t.Parallel()
	var h history
	for i := range 5 {
		h.add(HistoryItem{Attempts: i}, 3)
	}
	got := h.list()
	require.Len(t, got, 3)
	assert.Equal(t, []int{2, 3, 4}, []int{got[0].Attempts, got[1].Attempts, got[2].Attempts})

	h.add(HistoryItem{Attempts: 5}, 2)
	got = h.list()
	require.Len(t, got, 2)
	assert.Equal(t, 4, got[0].Attempts)
	assert.Equal(t, 5, got[1].Attempts)
}

func TestStopFailsQueuedTasksAndReleasesGate(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Workers: 1, QueueSize: 4}, logx.Nop(), nil)
	s.Start(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{
		Name: "blocker",
		Run: func(ctx context.Context) error {
			close(started)
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		},
	}))
	<-started

	gate := &RunState{}
	done := make(chan error, 1)
	require.NoError(t, s.Enqueue(Task{
		Name:  "queued",
		State: gate,
		Run:   func(ctx context.Context) error { return nil },
		Done:  func(err error) { done <- err },
	}))
	assert.True(t, gate.Busy())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stopped := make(chan struct{})
	go func() {
		s.Stop(ctx)
		close(stopped)
	}()

	// The in-flight task keeps Stop waiting until it returns.
	select {
	case <-stopped:
		t.Fatal("Stop returned while a task was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the task finished")
	}

	assert.ErrorIs(t, waitDone(t, done), ErrStopping)
	assert.False(t, gate.Busy())
	assert.Nil(t, s.Supervisor())
}

func TestStopCancelsInFlightTaskWhenCtxExpires(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Workers: 1}, logx.Nop(), nil)
	s.Start(context.Background())

	started := make(chan struct{})
	done := make(chan error, 1)
	require.NoError(t, s.Enqueue(Task{
		Name: "stuck",
		Run: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
		Done: func(err error) { done <- err },
	}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	s.Stop(ctx)

	assert.ErrorIs(t, waitDone(t, done), context.Canceled)
}

func TestQueueFullCountsDrop(t *testing.T) {
	t.Parallel()
	s, _ := startEngine(t, Config{Workers: 1, QueueSize: 1})

	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	block := func(ctx context.Context) error {
		<-release
		return nil
	}
	require.NoError(t, s.Enqueue(Task{Name: "a", Run: func(ctx context.Context) error {
		close(started)
		return block(ctx)
	}}))
	<-started
	require.NoError(t, s.Enqueue(Task{Name: "b", Run: block}))
	assert.ErrorIs(t, s.Enqueue(Task{Name: "c", Run: block}), ErrQueueFull)

	snap := s.Snapshot()
	assert.Equal(t, DropCounts{Total: 1, QueueFull: 1}, snap.Dropped)
	assert.Equal(t, 1, snap.QueueLen)
}
