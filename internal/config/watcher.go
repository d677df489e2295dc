package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a config file when it changes on disk and hands the new
// Config to a callback. Only the runtime toggles are expected to be applied
// by callers; everything else requires a restart.
type Watcher struct {
	path     string
	onChange func(*Config)
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	stop     chan struct{}
	wg       sync.WaitGroup

	debounce time.Duration
	timerMu  sync.Mutex
	pending  *time.Timer
}

// NewWatcher creates a watcher for the config file at path.
func NewWatcher(path string, onChange func(*Config), logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating config watcher: %w", err)
	}
	return &Watcher{
		path:     resolved,
		onChange: onChange,
		logger:   logger,
		watcher:  fsw,
		stop:     make(chan struct{}),
		debounce: 300 * time.Millisecond,
	}, nil
}

// Start begins watching. The parent directory is watched so editors that
// replace the file atomically are still observed.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	w.wg.Add(1)
	go w.run()

	w.logger.Info("watching config for runtime toggles", slog.String("path", w.path))
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	close(w.stop)
	w.wg.Wait()

	w.timerMu.Lock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.timerMu.Unlock()

	return w.watcher.Close()
}

func (w *Watcher) run() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", slog.String("error", err.Error()))
		case <-w.stop:
			return
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		// Keep the previous settings; a half-written file is common mid-save.
		w.logger.Warn("config reload failed", slog.String("path", w.path), slog.String("error", err.Error()))
		return
	}
	w.logger.Info("config reloaded",
		slog.Bool("sandbox_enabled", cfg.Sandbox.Enabled),
		slog.Bool("self_healing", cfg.Execution.SelfHealing),
	)
	w.onChange(cfg)
}
