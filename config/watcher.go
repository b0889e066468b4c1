package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/taskgrid/taskgrid/core"
)

const watchDebounce = 500 * time.Millisecond

// Watcher reloads the catalog when its file changes on disk. Editors often
// write via rename, so the parent directory is watched and events are
// debounced before onChange fires.
type Watcher struct {
	path     string
	logger   core.Logger
	onChange func()

	fw   *fsnotify.Watcher
	done chan struct{}
}

func NewWatcher(path string, logger core.Logger, onChange func()) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		fw.Close()
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     abs,
		logger:   logger,
		onChange: onChange,
		fw:       fw,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				timerC = timer.C
			} else {
				timer.Reset(watchDebounce)
			}
		case <-timerC:
			w.logger.Debugf("catalog file %s changed, reloading", w.path)
			w.onChange()
			timer = nil
			timerC = nil
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Errorf("catalog watcher: %v", err)
		}
	}
}

// Close stops watching. Safe to call once.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fw.Close()
}
