package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDelay = 500 * time.Millisecond

// Watcher holds the current configuration and reloads it when the file
// changes.
type Watcher struct {
	config  atomic.Pointer[Config]
	path    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	delay   time.Duration

	mu       sync.Mutex
	onChange []func(*Config)
}

// NewWatcher loads path and returns a Watcher for it.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{path: path, logger: logger, delay: debounceDelay}
	w.config.Store(cfg)
	return w, nil
}

// Get returns the current configuration.
func (w *Watcher) Get() *Config {
	return w.config.Load()
}

// OnChange registers fn to run after every successful reload.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	w.onChange = append(w.onChange, fn)
	w.mu.Unlock()
}

// Watch starts watching until ctx is done. The directory is watched rather
// than the file so editors that replace the file are seen.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		return err
	}
	w.watcher = watcher
	go w.loop(ctx)
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	var debounce *time.Timer
	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			_ = w.watcher.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(w.delay, w.reload)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadFromFile(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping current", "path", w.path, "error", err)
		return
	}
	w.config.Store(cfg)
	w.logger.Info("config reloaded", "path", w.path)

	w.mu.Lock()
	fns := append([]func(*Config){}, w.onChange...)
	w.mu.Unlock()
	for _, fn := range fns {
		fn(cfg)
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
