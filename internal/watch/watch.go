// Package watch provides the default filesystem-watching capability
// that the connection engine's client/registerCapability handler
// injects as a ListenerFactory, narrowed from a general-purpose
// watcher to the single recursive-watch-plus-event-stream surface that
// handler needs.
package watch

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Op is a bitmask of filesystem operations.
type Op uint32

const (
	OpCreate Op = 1 << iota
	OpWrite
	OpRemove
	OpRename
	OpChmod
)

// Event is a single filesystem change.
type Event struct {
	Path      string
	Op        Op
	Timestamp time.Time
}

// Watcher is the capability a Listener implements; it is intentionally
// smaller than a general-purpose filesystem watcher, limited to what
// workspace/didChangeWatchedFiles registration needs: recursive watch
// of one root, a single event stream, and Close.
type Watcher interface {
	WatchRecursive(root string) error
	Events() <-chan Event
	Close() error
}

var (
	ErrWatcherClosed = errors.New("watcher is closed")
	ErrPathNotExist  = errors.New("path does not exist")
)

// FSWatcher implements Watcher using fsnotify.
type FSWatcher struct {
	mu      sync.Mutex
	watcher *fsnotify.Watcher
	paths   map[string]bool
	events  chan Event
	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// New creates an FSWatcher with a 100-event buffer.
func New() (*FSWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &FSWatcher{
		watcher: fsw,
		paths:   make(map[string]bool),
		events:  make(chan Event, 100),
		closeCh: make(chan struct{}),
	}
	w.wg.Add(1)
	go w.processLoop()
	return w, nil
}

// WatchRecursive watches root and every subdirectory beneath it.
func (w *FSWatcher) WatchRecursive(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrPathNotExist
		}
		return err
	}
	if !info.IsDir() {
		return w.watch(abs)
	}
	return filepath.WalkDir(abs, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			_ = w.watch(p)
		}
		return nil
	})
}

func (w *FSWatcher) watch(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWatcherClosed
	}
	if w.paths[path] {
		return nil
	}
	if err := w.watcher.Add(path); err != nil {
		return err
	}
	w.paths[path] = true
	return nil
}

// Events returns the event stream. It is closed when Close completes.
func (w *FSWatcher) Events() <-chan Event { return w.events }

// Close stops the watcher and closes Events(). Idempotent.
func (w *FSWatcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.closeCh)
	w.mu.Unlock()

	w.wg.Wait()
	close(w.events)
	return w.watcher.Close()
}

func (w *FSWatcher) processLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.closeCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *FSWatcher) handle(fsEvent fsnotify.Event) {
	op := convertOp(fsEvent.Op)
	if op == 0 {
		return
	}
	event := Event{Path: fsEvent.Name, Op: op, Timestamp: time.Now()}
	select {
	case w.events <- event:
	default:
	}
	if op == OpCreate {
		if info, err := os.Stat(fsEvent.Name); err == nil && info.IsDir() {
			_ = w.watch(fsEvent.Name)
		}
	}
}

func convertOp(fsOp fsnotify.Op) Op {
	var op Op
	if fsOp.Has(fsnotify.Create) {
		op |= OpCreate
	}
	if fsOp.Has(fsnotify.Write) {
		op |= OpWrite
	}
	if fsOp.Has(fsnotify.Remove) {
		op |= OpRemove
	}
	if fsOp.Has(fsnotify.Rename) {
		op |= OpRename
	}
	if fsOp.Has(fsnotify.Chmod) {
		op |= OpChmod
	}
	return op
}

var _ Watcher = (*FSWatcher)(nil)
