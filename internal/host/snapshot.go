package host

import "sort"

func (h *Host) Snapshot() Snapshot {
	h.mu.Lock()
	id := h.cfg.InstanceID
	regs := append([]Registration(nil), h.regs...)
	active := make(map[string]Registration, len(h.active))
	for k, v := range h.active {
		active[k] = v
	}
	h.mu.Unlock()

	ss := h.sched.Snapshot()
	byName := make(map[string]int, len(ss.Schedules))
	for i, it := range ss.Schedules {
		byName[it.Name] = i
	}

	items := make([]FunctionInfo, 0, len(regs))
	for _, r := range regs {
		fi := FunctionInfo{
			Name:         r.Name,
			Schedule:     r.Schedule,
			RunOnStartup: r.RunOnStartup,
			UseMonitor:   r.UseMonitor,
			Timeout:      r.Timeout,
		}
		if eff, ok := active[r.Name]; ok {
			fi.Active = true
			fi.Schedule = eff.Schedule
			fi.RunOnStartup = eff.RunOnStartup
			fi.UseMonitor = eff.UseMonitor
			fi.Timeout = eff.Timeout
		}
		if i, ok := byName[r.Name]; ok {
			it := ss.Schedules[i]
			fi.Running = it.Running
			fi.Next = it.Next
			fi.Prev = it.Prev
		}
		items = append(items, fi)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })

	return Snapshot{InstanceID: id, Functions: items, Scheduler: ss}
}
