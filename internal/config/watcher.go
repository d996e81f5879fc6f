package config

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors the config directory for changes to config.yaml using
// fsnotify, so compliance staff can tune anomaly thresholds without
// restarting a long-running `medtrail watch`.
//
// The watcher runs a background goroutine that processes fsnotify events.
// Call Close() to stop it and release resources.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// NewWatcher watches dir for writes to config.yaml and fires onChange for
// each one. Events are debounced naturally by fsnotify — rapid successive
// writes typically produce a single event.
func NewWatcher(dir string, onChange func()) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	// Watch the whole directory: editors that write via rename replace
	// the file rather than writing in place, and a file-level watch would
	// be lost on the first save.
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher: fw,
		done:      make(chan struct{}),
	}
	go w.processEvents(onChange)

	slog.Info("config watcher started", "dir", dir)
	return w, nil
}

// processEvents reads fsnotify events and fires the callback on config
// writes. Runs until Close() is called.
func (w *Watcher) processEvents(onChange func()) {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Base(event.Name) != "config.yaml" {
				continue
			}
			slog.Info("config.yaml changed, triggering reload")
			if onChange != nil {
				onChange()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the watcher goroutine and releases the underlying fsnotify
// watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
