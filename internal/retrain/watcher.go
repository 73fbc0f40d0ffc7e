package retrain

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/mbd888/payguard/internal/metrics"
)

// Watcher hot-reloads a profile file into a Model. It watches the parent
// directory so atomic rename-into-place writes are seen.
type Watcher struct {
	path    string
	model   Model
	logger  *slog.Logger
	reloads atomic.Int64
	onLoad  func()
}

// NewWatcher creates a watcher for path.
func NewWatcher(path string, model Model, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: filepath.Clean(path), model: model, logger: logger}
}

// OnReload registers a callback run after each successful reload.
func (w *Watcher) OnReload(fn func()) { w.onLoad = fn }

// Reloads returns the number of successful reloads.
func (w *Watcher) Reloads() int64 { return w.reloads.Load() }

// Watch blocks until ctx ends. A bad file is logged and the previous
// profile stays active.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("retrain watcher: %w", err)
	}
	defer func() { _ = fw.Close() }()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("retrain watcher add %s: %w", dir, err)
	}
	w.logger.Info("watching anomaly profile", "path", w.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				w.reload()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("profile watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	loaded, err := LoadFile(w.path, w.model)
	if err != nil {
		metrics.RetrainRunsTotal.WithLabelValues("reload_failed").Inc()
		w.logger.Warn("anomaly profile reload failed, keeping previous profile", "path", w.path, "error", err)
		return
	}
	if !loaded {
		return
	}
	metrics.RetrainRunsTotal.WithLabelValues("reloaded").Inc()
	w.reloads.Add(1)
	if w.onLoad != nil {
		w.onLoad()
	}
}
