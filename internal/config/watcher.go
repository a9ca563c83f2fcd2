package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"npcmind/internal/dialogue"
	"npcmind/internal/logging"
)

// Watcher watches a config file for changes and delivers reloaded engine
// configurations to a callback. Rapid saves are debounced so editors that
// write in multiple syscalls trigger a single reload.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	path        string
	onReload    func(dialogue.EngineConfig)
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// NewWatcher creates a watcher for the given config file. onReload runs on
// the watcher goroutine after each successful reload.
func NewWatcher(path string, onReload func(dialogue.EngineConfig)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:     fsw,
		path:        path,
		onReload:    onReload,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the event loop runs in a goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	// Watch the directory, not the file: editors that replace the file on
	// save would otherwise drop the watch.
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	logging.Boot("config watcher: watching %s", w.path)

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		logging.ConfigWarn("config watcher: close: %v", err)
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.ConfigWarn("config watcher: %v", err)
		case <-ticker.C:
			w.processDebounced()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(w.path) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}
	w.mu.Lock()
	w.debounceMap[event.Name] = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) processDebounced() {
	w.mu.Lock()
	now := time.Now()
	settled := false
	for path, eventTime := range w.debounceMap {
		if now.Sub(eventTime) >= w.debounceDur {
			delete(w.debounceMap, path)
			settled = true
		}
	}
	w.mu.Unlock()

	if !settled {
		return
	}
	cfg, err := Load(w.path)
	if err != nil {
		logging.ConfigWarn("config watcher: reload failed, keeping previous config: %v", err)
		return
	}
	logging.Boot("config watcher: reloaded %s", w.path)
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
