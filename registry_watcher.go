package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"droidpilot/pkg/logger"
)

const registryDebounce = 300 * time.Millisecond

// RegistryWatcher reloads the capability registry when its overlay file
// changes on disk. It watches the parent directory so editors that replace
// the file, and overlays created after startup, are both seen.
type RegistryWatcher struct {
	path   string
	reload func() error

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
}

// NewRegistryWatcher creates a watcher calling reload after each settled change
func NewRegistryWatcher(path string, reload func() error) *RegistryWatcher {
	return &RegistryWatcher{
		path:   filepath.Clean(path),
		reload: reload,
	}
}

// Start begins watching the overlay's directory
func (w *RegistryWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return nil
	}

	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}
	w.watcher = watcher
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	logger.Info("registry_watcher").Str("path", w.path).Msg("Started watching registry overlay")

	go w.watch(watcher, w.stopCh, w.doneCh)
	return nil
}

// Stop stops watching and waits for the loop to exit
func (w *RegistryWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watcher != nil {
		close(w.stopCh)
		w.watcher.Close()
		<-w.doneCh
		w.watcher = nil
		logger.Info("registry_watcher").Msg("Stopped watching registry overlay")
	}
}

// watch is the main watch loop
func (w *RegistryWatcher) watch(watcher *fsnotify.Watcher, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	var debounceTimer *time.Timer
	apply := func() {
		if err := w.reload(); err != nil {
			// the previous registry stays in effect
			logger.Error("registry_watcher").Err(err).Str("path", w.path).Msg("Registry reload failed")
		}
	}

	for {
		select {
		case <-stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}

			logger.Debug("registry_watcher").Str("op", event.Op.String()).Msg("Registry overlay changed")

			// Debounce: reset timer on each event
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(registryDebounce, apply)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Error("registry_watcher").Err(err).Msg("Watcher error")
		}
	}
}
