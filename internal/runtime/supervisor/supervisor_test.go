package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func taskNamed(t *testing.T, s *Supervisor, name string) TaskStatus {
	t.Helper()
	for _, ts := range s.Status() {
		if ts.Name == name {
			return ts
		}
	}
	t.Fatalf("no task %q in %+v", name, s.Status())
	return TaskStatus{}
}

func TestGoPanicBecomesError(t *testing.T) {
	t.Parallel()
	sup := New(context.Background())
	sup.Go("boom", func(ctx context.Context) error {
		panic("kaboom")
	})

	err := sup.Wait(waitCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	ts := taskNamed(t, sup, "boom")
	assert.Equal(t, StateFailed, ts.State)
	assert.Contains(t, ts.LastError, "kaboom")
	assert.False(t, sup.Healthy())
}

func TestCancelOnError(t *testing.T) {
	t.Parallel()
	sup := New(context.Background(), WithCancelOnError(true))
	sentinel := errors.New("fatal")
	sup.Go("fails", func(ctx context.Context) error { return sentinel })

	select {
	case <-sup.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor context was not canceled")
	}
	assert.ErrorIs(t, sup.Err(), sentinel)
}

func TestGoRestartRetriesUntilClean(t *testing.T) {
	t.Parallel()
	sup := New(context.Background())
	var runs atomic.Int32
	sup.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	require.NoError(t, sup.Wait(waitCtx(t)))
	assert.EqualValues(t, 3, runs.Load())

	ts := taskNamed(t, sup, "flaky")
	assert.Equal(t, StateStopped, ts.State)
	assert.Equal(t, 2, ts.Restarts)
	assert.Equal(t, "transient", ts.LastError)
	assert.True(t, sup.Healthy())
}

func TestGoRestartGivesUp(t *testing.T) {
	t.Parallel()
	sup := New(context.Background())
	var runs atomic.Int32
	sup.GoRestart("broken", func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("always")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2), WithPublishFirstError(true))

	err := sup.Wait(waitCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.EqualValues(t, 3, runs.Load())
	assert.Equal(t, StateFailed, taskNamed(t, sup, "broken").State)
}

func TestStatusAndCounters(t *testing.T) {
	t.Parallel()
	sup := New(context.Background())
	started := make(chan struct{})
	sup.Go0("b.loop", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	})
	sup.Go0("a.once", func(ctx context.Context) {})
	<-started

	require.Eventually(t, func() bool {
		return taskNamed(t, sup, "a.once").State == StateStopped && sup.Counters().Active == 1
	}, time.Second, 5*time.Millisecond)

	c := sup.Counters()
	assert.EqualValues(t, 2, c.Started)
	assert.EqualValues(t, 1, c.Active)
	require.Len(t, c.Tasks, 2)
	assert.Equal(t, "a.once", c.Tasks[0].Name)
	assert.Equal(t, StateRunning, c.Tasks[1].State)
	assert.True(t, sup.Healthy())

	require.NoError(t, sup.Stop(waitCtx(t)))
	assert.Equal(t, StateStopped, taskNamed(t, sup, "b.loop").State)
	assert.Zero(t, sup.Counters().Active)
}

func TestNilSupervisorIsSafe(t *testing.T) {
	t.Parallel()
	var sup *Supervisor
	assert.Empty(t, sup.Status())
	assert.Equal(t, Counters{}, sup.Counters())
	assert.False(t, sup.Healthy())
}
