package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeHandler is called when the config file changes.
// It receives the newly loaded config.
type ChangeHandler func(cfg *Config)

// Watcher watches a config file for changes and reloads it.
// Changes are debounced (300ms) to avoid rapid reloads. The parent directory
// is watched so editors that save by rename are picked up too.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	handlers []ChangeHandler
	debounce time.Duration
	stopChan chan struct{}
	stopOnce sync.Once
	started  bool
	done     chan struct{}
	mu       sync.Mutex
}

// NewWatcher creates a config file watcher.
func NewWatcher(configPath string) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		path:     filepath.Clean(ExpandHome(configPath)),
		watcher:  w,
		debounce: 300 * time.Millisecond,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// OnChange registers a handler to be called when config changes.
func (cw *Watcher) OnChange(handler ChangeHandler) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.handlers = append(cw.handlers, handler)
}

// Start begins watching the config file for changes.
func (cw *Watcher) Start() error {
	if err := cw.watcher.Add(filepath.Dir(cw.path)); err != nil {
		return err
	}

	cw.mu.Lock()
	cw.started = true
	cw.mu.Unlock()
	go cw.watchLoop()

	slog.Info("config watcher started", "path", cw.path)
	return nil
}

// Stop halts the file watcher and waits for the watch loop to exit.
func (cw *Watcher) Stop() {
	cw.stopOnce.Do(func() {
		close(cw.stopChan)
		cw.watcher.Close()

		cw.mu.Lock()
		started := cw.started
		cw.mu.Unlock()
		if started {
			<-cw.done
		}
		slog.Info("config watcher stopped")
	})
}

func (cw *Watcher) watchLoop() {
	var debounceTimer *time.Timer
	defer close(cw.done)

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
			slog.Error("config watcher error", "error", err)
		}
	}
}

func (cw *Watcher) reload() {
	select {
	case <-cw.stopChan:
		return
	default:
	}
	slog.Info("config file changed, reloading", "path", cw.path)

	cfg, err := Load(cw.path)
	if err != nil {
		slog.Error("config reload failed, keeping previous config", "error", err)
		return
	}

	cw.mu.Lock()
	handlers := make([]ChangeHandler, len(cw.handlers))
	copy(handlers, cw.handlers)
	cw.mu.Unlock()

	for _, h := range handlers {
		h(cfg)
	}

	slog.Info("config reloaded successfully")
}
