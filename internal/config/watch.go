package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "tickhost/pkg/logx"
)

const (
	reloadDebounce = 250 * time.Millisecond
	rewatchMin     = 250 * time.Millisecond
	rewatchMax     = 5 * time.Second
	// A watcher that lived this long resets the restart backoff.
	rewatchStable = 30 * time.Second
)

var errWatcherClosed = errors.New("config watcher closed")

// Watch reloads the config whenever its file changes, until ctx is done.
// It watches the parent directory so editors that replace the file on save
// are seen, and rebuilds a broken watcher with backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	delay := rewatchMin
	for {
		started := time.Now()
		err := m.watchOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) >= rewatchStable {
			delay = rewatchMin
		}
		wait := delay + rand.N(delay/2+1)
		m.log.Warn("config watcher stopped; restarting", logx.String("path", m.path), logx.Duration("backoff", wait), logx.Err(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		delay = min(delay*2, rewatchMax)
	}
}

func (m *ConfigManager) watchOnce(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	if err := w.Add(dir); err != nil {
		return err
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	debounce := time.NewTimer(reloadDebounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-debounce.C:
			m.reload(ctx)
		case ev, ok := <-w.Events:
			if !ok {
				return errWatcherClosed
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				debounce.Reset(reloadDebounce)
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok || errors.Is(err, fsnotify.ErrClosed):
				return errWatcherClosed
			case errors.Is(err, fsnotify.ErrEventOverflow):
				// Events were lost; reload in case one was ours.
				m.log.Warn("config watch overflow; forcing reload", logx.Err(err))
				debounce.Reset(reloadDebounce)
			case err != nil:
				m.log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}
