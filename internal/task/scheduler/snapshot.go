package scheduler

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Enabled:   s.cfg.Enabled,
		Timezone:  s.locationLocked().String(),
		Schedules: make([]ScheduleInfo, 0, len(s.order)),
	}
	for _, name := range s.order {
		e := s.entries[name]
		it := ScheduleInfo{
			ID:      e.id,
			Name:    e.name,
			Spec:    e.spec,
			Timeout: e.timeout,
			Overlap: e.opt.Overlap.String(),
			Running: e.gate.Busy(),
		}
		if s.c != nil && e.cronID != 0 {
			ce := s.c.Entry(e.cronID)
			it.Next, it.Prev = ce.Next, ce.Prev
		}
		snap.Schedules = append(snap.Schedules, it)
	}
	eng := s.engine
	s.mu.Unlock()

	if eng != nil {
		snap.Engine = eng.Snapshot()
	}
	return snap
}
