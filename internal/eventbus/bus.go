// Package eventbus is an in-process fanout of host and engine events.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

const defaultBuffer = 8

// Event types published by the host and the execution engine.
const (
	TaskStarted  = "task.started"
	TaskFinished = "task.finished"
	TaskFailed   = "task.failed"
	TaskSkipped  = "task.skipped"
	TaskDropped  = "task.dropped"

	FunctionInvoked   = "function.invoked"
	FunctionCompleted = "function.completed"
	FunctionFailed    = "function.failed"
)

type Event struct {
	Type string
	Time time.Time // set by Publish when zero
	Data any
}

// Bus never blocks the publisher: a subscriber whose buffer is full misses
// the event.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory Bus. It starts no goroutines.
func New() Bus {
	return &memBus{subs: map[*chan Event]struct{}{}}
}

// memBus holds the read lock while delivering, so unsubscribe (write lock)
// can close a channel knowing no send is in progress.
type memBus struct {
	mu      sync.RWMutex
	subs    map[*chan Event]struct{}
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case *ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Event, buffer)
	key := &ch

	b.mu.Lock()
	b.subs[key] = struct{}{}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[key]; ok {
			delete(b.subs, key)
			close(ch)
		}
	}
}

// Dropped counts events a subscriber missed because its buffer was full.
// It is 0 for buses not created by New.
func Dropped(b Bus) uint64 {
	if mb, ok := b.(*memBus); ok {
		return mb.dropped.Load()
	}
	return 0
}
