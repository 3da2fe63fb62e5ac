package host

import (
	"context"
	"fmt"
	"time"

	"tickhost/internal/eventbus"
	"tickhost/internal/invocation"
	"tickhost/internal/storage"
	logx "tickhost/pkg/logx"
)

const monitorWriteTimeout = 2 * time.Second

// deliver runs one invocation of r. A zero slot marks an unscheduled run
// (startup or manual): it is never past due and does not touch the monitor.
func (h *Host) deliver(ctx context.Context, r Registration, slot time.Time) error {
	fired := time.Now()

	h.mu.Lock()
	cfg := h.cfg
	wrappers := append([]Wrapper(nil), h.wrappers...)
	h.mu.Unlock()

	scheduled := !slot.IsZero()
	inv := &invocation.Context{
		FunctionName: r.Name,
		InvocationID: invocation.NewID(),
		InstanceID:   cfg.InstanceID,
		ScheduledAt:  fired,
		FiredAt:      fired,
	}
	if scheduled {
		inv.ScheduledAt = slot
		inv.IsPastDue = PastDue(slot, fired, cfg.PastDueThreshold)
	}

	monitor := scheduled && r.UseMonitor && h.store != nil
	if monitor {
		st, ok, err := h.store.GetStatus(ctx, r.Name)
		switch {
		case err != nil:
			h.log.Warn("schedule monitor read failed", logx.String("function", r.Name), logx.Any("err", err))
		case ok:
			inv.Schedule = invocation.ScheduleStatus{Last: st.Last, Next: st.Next, LastUpdated: st.LastUpdated}
			if MissedSlot(st.Next, slot) {
				inv.IsPastDue = true
			}
		}
	}

	log := h.log.With(logx.String("function", r.Name), logx.String("invocation_id", inv.InvocationID))
	inv.Log = invocation.NewLogger(log)

	ev := InvocationEvent{
		Function:     r.Name,
		InvocationID: inv.InvocationID,
		ScheduledAt:  inv.ScheduledAt,
		FiredAt:      fired,
		IsPastDue:    inv.IsPastDue,
	}
	h.publish(eventbus.FunctionInvoked, fired, ev)
	if inv.IsPastDue {
		log.Debug("invocation is past due", logx.Duration("late", inv.Lateness()), logx.Time("last_next", inv.Schedule.Next))
	}

	entry := Chain(r.Entry, wrappers...)
	err := entry(invocation.NewContext(ctx, inv), inv)

	if monitor {
		h.recordStatus(ctx, r.Name, slot)
	}

	ev.Took = time.Since(fired)
	if err != nil {
		ev.Error = err.Error()
		h.publish(eventbus.FunctionFailed, time.Now(), ev)
		return fmt.Errorf("function %s: %w", r.Name, err)
	}
	h.publish(eventbus.FunctionCompleted, time.Now(), ev)
	log.Debug("invocation completed", logx.Duration("took", ev.Took), logx.Bool("past_due", inv.IsPastDue))
	return nil
}

// PastDue reports whether a firing at fired trails its slot by more than threshold.
func PastDue(slot, fired time.Time, threshold time.Duration) bool {
	return fired.Sub(slot) > threshold
}

// MissedSlot reports whether the monitor's recorded next slot was skipped
// before slot fired.
func MissedSlot(recordedNext, slot time.Time) bool {
	return !recordedNext.IsZero() && recordedNext.Before(slot)
}

func (h *Host) recordStatus(ctx context.Context, name string, slot time.Time) {
	next, err := h.sched.NextAfter(name, slot)
	if err != nil {
		h.log.Warn("schedule monitor next failed", logx.String("function", name), logx.Any("err", err))
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), monitorWriteTimeout)
	defer cancel()
	st := storage.ScheduleStatus{Name: name, Last: slot, Next: next, LastUpdated: time.Now()}
	if err := h.store.PutStatus(wctx, st); err != nil {
		h.log.Warn("schedule monitor write failed", logx.String("function", name), logx.Any("err", err))
	}
}

func (h *Host) publish(typ string, at time.Time, ev InvocationEvent) {
	if h.bus == nil {
		return
	}
	h.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: ev})
}
