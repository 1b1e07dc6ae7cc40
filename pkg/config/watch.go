package config

import (
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/banyannet/bamboo-node/pkg/logging"
)

// Watcher reloads a Config from disk whenever its backing file changes.
// An fsnotify.Watcher feeds an event loop goroutine, with writes debounced
// (editors commonly emit several events for one save) before the reload
// fires.
type Watcher struct {
	fsw    *fsnotify.Watcher
	path   string
	onLoad func(*Config, error)
	done   chan struct{}
}

// Watch starts watching path for changes, calling onLoad with the
// freshly-reloaded Config (or an error, if the file became unparsable)
// after each debounced write. Call Close to stop watching.
//
// Only fields that are safe to change at runtime should be acted on by
// onLoad — most of this repository's configuration (pool sizes, listen
// addresses) is fixed for a factory's lifetime once taskqueue.Register has
// run; see cmd/bamboo-node's use of this for the one field it does apply
// live (Logging.Level).
func Watch(path string, onLoad func(*Config, error)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}

	w := &Watcher{fsw: fsw, path: path, onLoad: onLoad, done: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	const debounce = 200 * time.Millisecond
	var timer *time.Timer

	fire := func() {
		cfg, err := Load(w.path)
		w.onLoad(cfg, err)
	}

	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, fire)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Warn("config: watcher error", map[string]interface{}{"error": err.Error()})

		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// Close stops watching and releases the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
