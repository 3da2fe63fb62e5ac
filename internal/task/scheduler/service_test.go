package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tickhost/internal/task/engine"
	logx "tickhost/pkg/logx"
)

func newRunning(t *testing.T) *Service {
	t.Helper()
	eng := engine.New(engine.Config{Enabled: true, Workers: 2}, logx.Nop(), nil)
	eng.Start(context.Background())
	s := New(Config{Enabled: true, Timezone: "UTC"}, eng, logx.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
		eng.Stop(ctx)
	})
	return s
}

func TestEverySecondScheduleFiresOnSlots(t *testing.T) {
	t.Parallel()
	s := newRunning(t)

	var mu sync.Mutex
	var slots []time.Time
	_, err := s.AddSchedule("TimerTrigger", "*/1 * * * * *", 0, func(ctx context.Context, slot time.Time) error {
		mu.Lock()
		slots = append(slots, slot)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	s.Start(context.Background())

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(slots)
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("got %d firings, want at least 2", n)
		}
		time.Sleep(50 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, slot := range slots {
		if slot.Nanosecond() != 0 {
			t.Fatalf("slot %d = %v is not on a whole second", i, slot)
		}
		if i > 0 && !slot.After(slots[i-1]) {
			t.Fatalf("slots not increasing: %v then %v", slots[i-1], slot)
		}
	}
	if got := s.Snapshot(); len(got.Schedules) != 1 || got.Schedules[0].Spec != "*/1 * * * * *" {
		t.Fatalf("snapshot schedules = %+v", got.Schedules)
	}
}

func TestTriggerRunsOutsideCadence(t *testing.T) {
	t.Parallel()
	s := newRunning(t)

	got := make(chan time.Time, 1)
	if _, err := s.AddSchedule("daily", "0 0 3 * * *", 0, func(ctx context.Context, slot time.Time) error {
		got <- slot
		return nil
	}); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}

	slot := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	done := make(chan error, 1)
	if err := s.Trigger("daily", slot, func(err error) { done <- err }); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	select {
	case v := <-got:
		if !v.Equal(slot) {
			t.Fatalf("slot=%v want %v", v, slot)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("triggered job did not run")
	}
	if err := <-done; err != nil {
		t.Fatalf("done err = %v", err)
	}

	if err := s.Trigger("missing", slot, nil); !errors.Is(err, ErrUnknownSchedule) {
		t.Fatalf("Trigger(missing) = %v", err)
	}
}

func TestNextAfterAndRemove(t *testing.T) {
	t.Parallel()
	s := New(Config{Timezone: "UTC"}, nil, logx.Nop())
	if _, err := s.AddSchedule("tick", "00:00:01", 0, func(ctx context.Context, slot time.Time) error { return nil }); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	next, err := s.NextAfter("tick", base)
	if err != nil {
		t.Fatalf("NextAfter: %v", err)
	}
	if !next.Equal(base.Add(time.Second)) {
		t.Fatalf("next=%v want %v", next, base.Add(time.Second))
	}
	if !s.Remove("tick") {
		t.Fatal("Remove returned false")
	}
	if _, err := s.NextAfter("tick", base); !errors.Is(err, ErrUnknownSchedule) {
		t.Fatalf("NextAfter after remove = %v", err)
	}
}

func TestAddScheduleRejectsInvalid(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, logx.Nop())
	job := func(ctx context.Context, slot time.Time) error { return nil }
	if _, err := s.AddSchedule("", "*/1 * * * * *", 0, job); err == nil {
		t.Fatal("expected empty name error")
	}
	if _, err := s.AddSchedule("x", "*/1 * * * *", 0, job); err == nil {
		t.Fatal("expected five-field cron to be rejected")
	}
	if _, err := s.AddSchedule("x", "*/1 * * * * *", 0, nil); err == nil {
		t.Fatal("expected nil job error")
	}
}

func TestReplaceKeepsGateAndOrder(t *testing.T) {
	t.Parallel()
	s := newRunning(t)
	s.Start(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})
	slow := func(ctx context.Context, slot time.Time) error {
		close(started)
		<-release
		return nil
	}
	noop := func(ctx context.Context, slot time.Time) error { return nil }

	if _, err := s.AddSchedule("b", "0 0 3 * * *", 0, slow); err != nil {
		t.Fatalf("AddSchedule b: %v", err)
	}
	if _, err := s.AddSchedule("a", "00:01:00", 0, noop); err != nil {
		t.Fatalf("AddSchedule a: %v", err)
	}
	if err := s.Trigger("b", time.Time{}, nil); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	<-started
	defer close(release)

	// Re-registering b while its run is in flight must not open a second run.
	if _, err := s.AddSchedule("b", "0 0 4 * * *", 0, noop); err != nil {
		t.Fatalf("AddSchedule b again: %v", err)
	}
	if err := s.Trigger("b", time.Time{}, nil); !errors.Is(err, engine.ErrOverlapSkip) {
		t.Fatalf("Trigger during run = %v, want ErrOverlapSkip", err)
	}

	snap := s.Snapshot()
	if len(snap.Schedules) != 2 || snap.Schedules[0].Name != "b" || snap.Schedules[1].Name != "a" {
		t.Fatalf("schedules = %+v", snap.Schedules)
	}
	if !snap.Schedules[0].Running || snap.Schedules[0].Spec != "0 0 4 * * *" {
		t.Fatalf("b = %+v", snap.Schedules[0])
	}
	if snap.Schedules[1].Spec != "@every 1m0s" || snap.Schedules[1].Next.IsZero() {
		t.Fatalf("a = %+v", snap.Schedules[1])
	}
	if snap.Timezone != "UTC" || snap.Engine.Workers != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}
}
