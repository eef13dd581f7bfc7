package fileadapter

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounceWindow = 500 * time.Millisecond

// watcher wraps fsnotify with a debounce window so bursts of events
// for the same tree trigger a single incremental refresh.
type watcher struct {
	fsw    *fsnotify.Watcher
	window time.Duration
	notify func()
	logger *slog.Logger

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
	done    chan struct{}
}

// newWatcher starts watching the given roots. notify fires once per
// quiet debounce window after any change.
func newWatcher(roots []string, window time.Duration, notify func(), logger *slog.Logger) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, root := range roots {
		if err := fsw.Add(root); err != nil {
			_ = fsw.Close()
			return nil, err
		}
	}
	if window <= 0 {
		window = defaultDebounceWindow
	}

	w := &watcher{
		fsw:    fsw,
		window: window,
		notify: notify,
		logger: logger,
		done:   make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.schedule()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", slog.String("error", err.Error()))
		}
	}
}

// schedule arms (or re-arms) the debounce timer.
func (w *watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.window, w.notify)
}

// Close stops the watcher and cancels any pending notification.
func (w *watcher) Close() error {
	w.mu.Lock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	err := w.fsw.Close()
	<-w.done
	return err
}
