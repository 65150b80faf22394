package config

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchTargets holds callbacks that fire when watched files change.
type WatchTargets struct {
	// OnAccessRulesChange fires when access.rules_path is written or
	// created. The server rebuilds the rule table and swaps it into the gate.
	OnAccessRulesChange func()

	// OnDirectoryChange fires when identity.directory is written or created.
	OnDirectoryChange func()
}

// Watcher monitors the access rule file and the user directory with
// fsnotify. It watches the containing directories, since editors often
// replace files instead of writing them in place.
//
// Call Close() to stop the watcher and release resources.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	files     map[string]func()
	done      chan struct{}
}

// NewWatcher starts watching the files configured in cfg. Callbacks run on
// the watcher goroutine.
func NewWatcher(cfg *Config, targets WatchTargets) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	w := &Watcher{
		fsWatcher: fw,
		files:     make(map[string]func()),
		done:      make(chan struct{}),
	}
	if targets.OnAccessRulesChange != nil && cfg.Access.RulesPath != "" {
		w.files[filepath.Clean(cfg.Access.RulesPath)] = targets.OnAccessRulesChange
	}
	if targets.OnDirectoryChange != nil && cfg.Identity.Directory != "" {
		w.files[filepath.Clean(cfg.Identity.Directory)] = targets.OnDirectoryChange
	}

	dirs := make(map[string]bool)
	for path := range w.files {
		dir := filepath.Dir(path)
		if dirs[dir] {
			continue
		}
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, fmt.Errorf("watching directory %s: %w", dir, err)
		}
		dirs[dir] = true
		slog.Info("file watcher started", "dir", dir)
	}

	go w.processEvents()
	return w, nil
}

// processEvents reads fsnotify events and dispatches to the matching
// callback. Runs in a background goroutine until Close() is called.
func (w *Watcher) processEvents() {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if fn, ok := w.files[filepath.Clean(event.Name)]; ok {
				slog.Info("watched file changed, reloading", "file", event.Name)
				fn()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("file watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the file watcher goroutine and releases the underlying
// fsnotify watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
