package config

import (
	"path/filepath"
	"sync"
	"time"

	"localrouter/pkg/logging"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounceInterval coalesces rapid successive writes (editors
// often write a file several times on save) into one reload.
const DefaultDebounceInterval = 500 * time.Millisecond

// Watcher monitors the configuration directory and invokes a callback
// with the freshly loaded config when config.yaml changes. Reload
// failures keep the previous config active.
type Watcher struct {
	mu        sync.Mutex
	configDir string
	onChange  func(LocalRouterConfig)
	fsWatcher *fsnotify.Watcher
	stopCh    chan struct{}
	running   bool

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
}

// NewWatcher creates a watcher for the given configuration directory.
func NewWatcher(configDir string, onChange func(LocalRouterConfig)) *Watcher {
	return &Watcher{
		configDir: configDir,
		onChange:  onChange,
	}
}

// Start begins watching for configuration changes.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(w.configDir); err != nil {
		watcher.Close()
		return err
	}

	w.fsWatcher = watcher
	w.stopCh = make(chan struct{})
	w.running = true

	// Capture channels before releasing the lock to avoid races with Stop.
	eventsCh := watcher.Events
	errorsCh := watcher.Errors
	go w.processEvents(eventsCh, errorsCh)

	logging.Info("ConfigWatcher", "Watching %s for configuration changes", w.configDir)
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	close(w.stopCh)
	if w.fsWatcher != nil {
		w.fsWatcher.Close()
		w.fsWatcher = nil
	}
	w.running = false
}

func (w *Watcher) processEvents(eventsCh <-chan fsnotify.Event, errorsCh <-chan error) {
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-eventsCh:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != configFileName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			logging.Debug("ConfigWatcher", "Configuration file changed: %s", event.Name)
			w.triggerReloadDebounced()
		case err, ok := <-errorsCh:
			if !ok {
				return
			}
			logging.Error("ConfigWatcher", err, "fsnotify error")
		}
	}
}

func (w *Watcher) triggerReloadDebounced() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(DefaultDebounceInterval, w.reload)
}

func (w *Watcher) reload() {
	w.mu.Lock()
	running := w.running
	w.mu.Unlock()
	if !running {
		return
	}

	config, err := LoadConfig(w.configDir)
	if err != nil {
		logging.Error("ConfigWatcher", err, "Reload failed, keeping previous configuration")
		return
	}
	logging.Info("ConfigWatcher", "Configuration reloaded")
	w.onChange(config)
}
