// Package sdnotify reports service state to systemd (Type=notify units).
//
// Every call is a no-op when the process is not started by systemd
// (NOTIFY_SOCKET unset).
package sdnotify

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "tickhost/pkg/logx"
)

type Notifier struct {
	enabled bool
	log     logx.Logger
}

func New(enabled bool, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{enabled: enabled, log: log.With(logx.String("comp", "sdnotify"))}
}

// Ready reports READY=1 with a status line.
func (n *Notifier) Ready(status string) { n.send(daemon.SdNotifyReady + "\nSTATUS=" + status) }

// Stopping reports STOPPING=1.
func (n *Notifier) Stopping() { n.send(daemon.SdNotifyStopping) }

// Reloading reports RELOADING=1 and its MONOTONIC_USEC timestamp.
func (n *Notifier) Reloading() { n.send(daemon.SdNotifyReloading) }

// Status reports a free-form STATUS= line.
func (n *Notifier) Status(status string) { n.send("STATUS=" + status) }

func (n *Notifier) send(state string) bool {
	if n == nil || !n.enabled {
		return false
	}
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.Err(err))
		return false
	}
	return sent
}

// Watchdog pings WATCHDOG=1 at half the unit's WatchdogSec until ctx is done.
// It returns immediately when the watchdog is not enabled for this process.
// alive gates each ping; a false result skips it so systemd restarts a stuck
// host.
func (n *Notifier) Watchdog(ctx context.Context, alive func() bool) error {
	if n == nil || !n.enabled {
		return nil
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return err
	}
	if interval <= 0 {
		return nil
	}
	every := interval / 2
	if every <= 0 {
		every = time.Millisecond
	}
	n.log.Debug("watchdog enabled", logx.Duration("interval", interval))

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if alive != nil && !alive() {
				n.log.Warn("watchdog ping skipped: host not alive")
				continue
			}
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
