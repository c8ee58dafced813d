package daemon

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watcherDebounce = 500 * time.Millisecond

func isSpecFile(name string) bool {
	switch filepath.Ext(name) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// StartWatcher watches the spec directory for changes and triggers Reload on modifications.
// It blocks until the context is cancelled.
func (d *Daemon) StartWatcher(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(d.cfg.SpecDir); err != nil {
		return err
	}

	d.logger.Info("watching spec directory for changes", "dir", d.cfg.SpecDir)

	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 || !isSpecFile(event.Name) {
				continue
			}
			d.logger.Debug("spec file changed", "file", event.Name, "op", event.Op)

			// Debounce: reset timer on each event
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(watcherDebounce, func() {
				if ctx.Err() != nil {
					return
				}
				d.logger.Info("reloading specs after file change")
				result, err := d.Reload(ctx)
				if err != nil {
					d.logger.Error("auto-reload failed", "error", err)
					return
				}
				for _, e := range result.Errors {
					d.logger.Error("auto-reload", "error", e)
				}
				d.logger.Info("auto-reload complete", "loaded", result.Loaded, "unloaded", result.Unloaded)
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.Error("file watcher error", "error", err)
		}
	}
}
