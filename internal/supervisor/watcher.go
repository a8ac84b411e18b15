package supervisor

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/perchlabs/perch/internal/logger"
)

const debounceInterval = 500 * time.Millisecond

// Watcher debounces filesystem activity in session working directories into
// SessionTouched notifications.
type Watcher struct {
	sink Sink

	mu   sync.Mutex
	dirs map[string]*dirWatch // sessionID → watch
}

type dirWatch struct {
	fsw    *fsnotify.Watcher
	cancel chan struct{}
}

func newWatcher(sink Sink) *Watcher {
	return &Watcher{sink: sink, dirs: make(map[string]*dirWatch)}
}

func (w *Watcher) watch(sessionID, dir string) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return err
	}

	dw := &dirWatch{fsw: fsw, cancel: make(chan struct{})}

	w.mu.Lock()
	if old, ok := w.dirs[sessionID]; ok {
		close(old.cancel)
		old.fsw.Close()
	}
	w.dirs[sessionID] = dw
	w.mu.Unlock()

	go w.loop(sessionID, dw)
	return nil
}

func (w *Watcher) unwatch(sessionID string) {
	w.mu.Lock()
	dw, ok := w.dirs[sessionID]
	if ok {
		delete(w.dirs, sessionID)
	}
	w.mu.Unlock()

	if ok {
		close(dw.cancel)
		dw.fsw.Close()
	}
}

func (w *Watcher) close() {
	w.mu.Lock()
	ids := make([]string, 0, len(w.dirs))
	for id := range w.dirs {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		w.unwatch(id)
	}
}

// loop collapses bursts of events into one SessionTouched per debounce
// window.
func (w *Watcher) loop(sessionID string, dw *dirWatch) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-dw.cancel:
			return
		case _, ok := <-dw.fsw.Events:
			if !ok {
				return
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceInterval, func() {
				w.sink.SessionTouched(sessionID)
			})
		case err, ok := <-dw.fsw.Errors:
			if !ok {
				return
			}
			logger.Debug("workdir watcher", "session", sessionID, "err", err)
		}
	}
}
