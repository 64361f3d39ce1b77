package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nextlevelbuilder/goloop/internal/policy"
)

// ChangeHandler is called when the config file changes.
// It receives the newly loaded config.
type ChangeHandler func(cfg *Config)

// Watcher watches a config file for changes and reloads it.
// Changes are debounced to avoid rapid reloads.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	handlers []ChangeHandler
	debounce time.Duration
	logger   *slog.Logger
	stopChan chan struct{}
	stopOnce sync.Once
	mu       sync.Mutex
}

// NewWatcher creates a config file watcher.
func NewWatcher(configPath string, logger *slog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(configPath)
	if err != nil {
		w.Close()
		return nil, err
	}

	return &Watcher{
		path:     abs,
		watcher:  w,
		debounce: 300 * time.Millisecond,
		logger:   logger,
	}, nil
}

// SetDebounce changes the quiet period before a reload. Call before Start.
func (cw *Watcher) SetDebounce(d time.Duration) { cw.debounce = d }

// OnChange registers a handler to be called when config changes.
func (cw *Watcher) OnChange(handler ChangeHandler) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.handlers = append(cw.handlers, handler)
}

// Start begins watching. The parent directory is watched so editors that
// replace the file by rename are picked up too.
func (cw *Watcher) Start() error {
	if err := cw.watcher.Add(filepath.Dir(cw.path)); err != nil {
		return err
	}

	cw.stopChan = make(chan struct{})
	go cw.watchLoop()

	cw.logger.Info("config watcher started", "path", cw.path)
	return nil
}

// Stop halts the file watcher.
func (cw *Watcher) Stop() {
	cw.stopOnce.Do(func() {
		if cw.stopChan != nil {
			close(cw.stopChan)
		}
		cw.watcher.Close()
		cw.logger.Info("config watcher stopped")
	})
}

func (cw *Watcher) watchLoop() {
	var debounceTimer *time.Timer

	for {
		select {
		case <-cw.stopChan:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != cw.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			// Debounce: reset timer on each change
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(cw.debounce, cw.reload)

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Error("config watcher error", "error", err)
		}
	}
}

func (cw *Watcher) reload() {
	cw.logger.Info("config file changed, reloading", "path", cw.path)

	cfg, err := Load(cw.path)
	if err != nil {
		cw.logger.Error("config reload failed, keeping previous settings", "error", err)
		return
	}

	cw.mu.Lock()
	handlers := make([]ChangeHandler, len(cw.handlers))
	copy(handlers, cw.handlers)
	cw.mu.Unlock()

	for _, h := range handlers {
		h(cfg)
	}

	cw.logger.Info("config reloaded successfully")
}

// PolicyReloader returns a handler that pushes policy changes to a running
// gate and its limit source. Loop settings are fixed for the life of a run
// and are not reloaded.
func PolicyReloader(gate *policy.Gate, limits *policy.Limits, logger *slog.Logger) ChangeHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(cfg *Config) {
		if limits != nil {
			limits.Replace(cfg.Policy.DefaultLimit, cfg.Policy.Agents)
		}
		if gate == nil {
			return
		}
		if err := gate.Update(cfg.GatePolicy()); err != nil {
			logger.Warn("policy reload rejected", "error", err)
		}
	}
}
