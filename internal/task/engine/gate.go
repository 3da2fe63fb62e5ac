package engine

import "sync/atomic"

// RunState is the overlap gate of one schedule. It is held from enqueue
// until the run finishes, so a queued run also counts as running and a fast
// schedule cannot pile up work behind a slow one.
type RunState struct {
	held atomic.Bool
}

func (s *RunState) tryAcquire() bool {
	return s == nil || s.held.CompareAndSwap(false, true)
}

func (s *RunState) release() {
	if s != nil {
		s.held.Store(false)
	}
}

// Busy reports whether a run is queued or in flight.
func (s *RunState) Busy() bool {
	return s != nil && s.held.Load()
}
