package server

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/guidow/pyfarm-master/internal/config"
)

// configFileName is the only file under configDir whose writes trigger a
// reload.
const configFileName = "pyfarm.master.toml"

// ConfigWatcher watches pyfarm.master.toml for writes and re-applies the
// subset of settings that are safe to change without a process restart —
// the scheduler's tick rate limit, the matcher's PREFER_RUNNING_JOBS and
// RAM-comparison toggles, and the agent poll interval.
type ConfigWatcher struct {
	configDir string
	apply     func(*config.Settings) error
	logger    *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewConfigWatcher builds a watcher over configDir. apply is called with
// the freshly reloaded Settings every time pyfarm.master.toml changes.
func NewConfigWatcher(configDir string, apply func(*config.Settings) error, logger *slog.Logger) *ConfigWatcher {
	return &ConfigWatcher{
		configDir: configDir,
		apply:     apply,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Start begins watching configDir for writes.
func (w *ConfigWatcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	if err := fsw.Add(w.configDir); err != nil {
		fsw.Close()
		return fmt.Errorf("config watcher: watch %s: %w", w.configDir, err)
	}

	w.mu.Lock()
	w.watcher = fsw
	w.mu.Unlock()

	w.logger.Info("watching config for changes", "dir", w.configDir)
	go w.loop(fsw)
	return nil
}

// Stop stops watching. Safe to call even if Start was never called.
func (w *ConfigWatcher) Stop() {
	w.mu.Lock()
	fsw := w.watcher
	w.watcher = nil
	w.mu.Unlock()

	if fsw == nil {
		return
	}
	close(w.done)
	fsw.Close()
}

func (w *ConfigWatcher) loop(fsw *fsnotify.Watcher) {
	const debounce = 200 * time.Millisecond
	var timer *time.Timer

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != configFileName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, w.reload)

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

func (w *ConfigWatcher) reload() {
	settings, err := config.Load(w.configDir)
	if err != nil {
		w.logger.Error("config reload failed, keeping previous settings", "error", err)
		return
	}
	if err := w.apply(settings); err != nil {
		w.logger.Error("config reload: apply", "error", err)
		return
	}
	w.logger.Info("config reloaded")
}
