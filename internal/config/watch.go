package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// reloadDebounce coalesces the burst of events an editor save produces.
const reloadDebounce = 200 * time.Millisecond

// Watcher reloads a config file when it changes.
type Watcher struct {
	path   string
	fn     func(*Config)
	fsw    *fsnotify.Watcher
	logger *zap.Logger

	mu       sync.Mutex
	debounce *time.Timer
	stopped  bool
	wg       sync.WaitGroup
}

// Watch calls fn with the freshly loaded config every time the file at path
// is written, created or replaced. The directory is watched so editors that
// save by rename are seen. Files that fail to load are logged and skipped.
func Watch(ctx context.Context, path string, logger *zap.Logger, fn func(*Config)) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	w := &Watcher{path: filepath.Clean(path), fn: fn, fsw: fsw, logger: logger}
	w.wg.Add(1)
	go w.loop(ctx)
	return w, nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.schedule()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(reloadDebounce, w.reload)
}

func (w *Watcher) reload() {
	w.mu.Lock()
	stopped := w.stopped
	w.mu.Unlock()
	if stopped {
		return
	}
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload skipped", zap.String("path", w.path), zap.Error(err))
		return
	}
	w.logger.Info("config reloaded", zap.String("path", w.path))
	w.fn(cfg)
}

// Close stops watching. Pending reloads are dropped.
func (w *Watcher) Close() error {
	w.mu.Lock()
	w.stopped = true
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.mu.Unlock()
	err := w.fsw.Close()
	w.wg.Wait()
	return err
}
