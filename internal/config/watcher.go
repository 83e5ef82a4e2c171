package config

import (
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const debounceWindow = 250 * time.Millisecond

// PolicyWatcher notifies its caller when one of the watched files changes on
// disk, so an operator edit takes effect without restarting wardend. wardend
// watches the Command Validator's Rego module and policy data file; the
// Suppressor's cascade and dependency tables are not watched or reloaded.
type PolicyWatcher struct {
	fsw *fsnotify.Watcher
	log *logrus.Logger
	done chan struct{}
}

// WatchPolicy starts watching every path in paths and invokes onChange
// (debounced per-file) whenever one of them is written. onChange receives
// the path that changed so the caller can reload only the affected table.
func WatchPolicy(paths []string, log *logrus.Logger, onChange func(path string)) (*PolicyWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		if err := fsw.Add(p); err != nil {
			fsw.Close()
			return nil, err
		}
	}

	w := &PolicyWatcher{fsw: fsw, log: log, done: make(chan struct{})}
	go w.run(onChange)
	return w, nil
}

func (w *PolicyWatcher) run(onChange func(path string)) {
	pending := make(map[string]*time.Timer)
	for {
		select {
		case <-w.done:
			for _, t := range pending {
				t.Stop()
			}
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			path := ev.Name
			if t, exists := pending[path]; exists {
				t.Stop()
			}
			pending[path] = time.AfterFunc(debounceWindow, func() { onChange(path) })
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("policy watcher error")
		}
	}
}

// Stop tears down the underlying fsnotify watcher.
func (w *PolicyWatcher) Stop() {
	close(w.done)
	w.fsw.Close()
}
