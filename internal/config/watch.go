package config

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"wagate/pkg/logx"
)

const watchedOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

// Watch reloads the file on change until ctx is done. It watches the parent
// directory so editors that replace the file by rename are seen. Events are
// debounced and reloads run one at a time on this goroutine. A broken
// watcher is recreated with jittered backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	backoff := watchBackoffBase
	for ctx.Err() == nil {
		w, err := newDirWatcher(dir)
		if err != nil {
			m.log.Warn("config watch setup failed", logx.String("dir", dir), logx.Err(err))
		} else {
			backoff = watchBackoffBase
			m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))
			m.watchLoop(ctx, w, file)
			_ = w.Close()
			if ctx.Err() != nil {
				return nil
			}
			m.log.Warn("config watcher stopped; restarting", logx.String("dir", dir))
		}

		wait := backoff + rand.N(backoff/2+1)
		backoff = min(backoff*2, watchBackoffMax)
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
	return nil
}

func newDirWatcher(dir string) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

// watchLoop returns when ctx is done or the watcher stops delivering events.
func (m *ConfigManager) watchLoop(ctx context.Context, w *fsnotify.Watcher, file string) {
	debounce := time.NewTimer(reloadDebounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()
	arm := func() { debounce.Reset(reloadDebounce) }

	for {
		select {
		case <-ctx.Done():
			return
		case <-debounce.C:
			m.reload(ctx)
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) && ev.Op&watchedOps != 0 {
				arm()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Events were lost; the file may have changed.
				m.log.Warn("config watch overflow; forcing reload", logx.Err(err))
				arm()
				continue
			}
			if err != nil {
				m.log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}

// reload is one debounced reaction to file events. Unchanged content is not
// republished; a parse or validation failure keeps the current snapshot.
func (m *ConfigManager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config parse failed; keeping current", logx.String("path", m.path), logx.Err(err))
		return
	}
	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
		return
	}
	if err := m.check(ctx, cfg); err != nil {
		m.log.Warn("config rejected; keeping current", logx.String("path", m.path), logx.Err(err))
		return
	}
	m.commit(cfg)
	m.publish(cfg)
	m.log.Info("config committed", logx.String("path", m.path), logx.String("hash", fmt.Sprintf("%016x", h)))
}
