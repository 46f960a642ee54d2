package config

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"mmoserver/pkg/logx"
)

const (
	watchRetryMin = 250 * time.Millisecond
	watchRetryMax = 5 * time.Second
)

// Watch follows the config file until ctx is done. It watches the directory
// so editors that save by rename still trigger a reload, and recreates the
// watcher if it breaks.
func (m *ConfigManager) Watch(ctx context.Context) error {
	retry := watchRetryMin
	for ctx.Err() == nil {
		err := m.watchSession(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		m.log.Warn("config watcher failed; retrying", logx.Err(err), logx.Duration("in", retry))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retry):
		}
		retry = min(retry*2, watchRetryMax)
	}
	return nil
}

var errWatcherClosed = errors.New("config watcher closed")

// watchSession runs one fsnotify watcher. Bursts of events for the file are
// debounced into one reload, which runs on this goroutine.
func (m *ConfigManager) watchSession(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	if err := w.Add(dir); err != nil {
		return err
	}
	m.log.Debug("watching config", logx.String("dir", dir), logx.String("file", file))

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-debounce.C:
			m.reload()
		case ev, ok := <-w.Events:
			if !ok {
				return errWatcherClosed
			}
			if filepath.Base(ev.Name) == file && ev.Op != fsnotify.Chmod {
				debounce.Reset(m.debounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errWatcherClosed
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Events were lost; the file may have changed.
				debounce.Reset(m.debounce)
				continue
			}
			m.log.Warn("config watch error", logx.Err(err))
		}
	}
}
