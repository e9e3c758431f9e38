package routing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// PolicyWatcher watches the routing policy file on disk and reloads an
// Engine's in-memory policy on write, mirroring internal/config.Watcher's
// fsnotify-driven reload shape.
type PolicyWatcher struct {
	path   string
	engine *Engine
	logger *slog.Logger
}

// NewPolicyWatcher constructs a PolicyWatcher for path, which should match
// engine's configured PolicyPath.
func NewPolicyWatcher(path string, engine *Engine, logger *slog.Logger) *PolicyWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &PolicyWatcher{path: path, engine: engine, logger: logger}
}

// Start watches the policy file in the background until ctx is cancelled.
// It returns an error only if the underlying filesystem watcher cannot be
// created; reload failures are logged and leave the previous policy
// active rather than aborting the watch loop.
func (w *PolicyWatcher) Start(ctx context.Context) error {
	if w.path == "" {
		return fmt.Errorf("routing: policy watcher: no path configured")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("routing: policy watcher: %w", err)
	}
	if err := fsw.Add(w.path); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("routing: policy watcher: watch %s: %w", w.path, err)
	}

	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := w.engine.ReloadPolicy(); err != nil {
					w.logger.Error("routing: policy reload failed", "path", w.path, "error", err)
					continue
				}
				w.logger.Info("routing: policy reloaded", "path", w.path)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("routing: policy watcher error", "error", err)
			}
		}
	}()
	return nil
}
