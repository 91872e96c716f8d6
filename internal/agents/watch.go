package agents

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 250 * time.Millisecond

// Watch reloads the registry whenever a definition file in its directory
// changes. It blocks until ctx is done.
func (r *Registry) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("agents: create watcher: %w", err)
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(r.dir); err != nil {
		return fmt.Errorf("agents: watch %s: %w", r.dir, err)
	}

	var timer *time.Timer
	reload := func() {
		if err := r.Load(); err != nil {
			r.logger.Warn("agents: reload failed", "error", err)
			return
		}
		r.logger.Info("agents: reloaded", "dir", r.dir)
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !isDefinitionFile(filepath.Base(ev.Name)) || ev.Op == fsnotify.Chmod {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, reload)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("agents: watcher error", "error", err)
		}
	}
}
