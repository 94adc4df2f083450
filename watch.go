package clangdconn

import (
	"time"

	"github.com/example/clangdconn/internal/watch"
)

// FileOp is a bitmask of filesystem operations a Listener reports.
type FileOp uint32

const (
	FileOpCreate FileOp = 1 << iota
	FileOpWrite
	FileOpRemove
	FileOpRename
	FileOpChmod
)

// FileEvent is a single filesystem change surfaced by a Listener.
type FileEvent struct {
	Path      string
	Op        FileOp
	Timestamp time.Time
}

// Listener is the watcher capability obtained from a ListenerFactory
// for one client/registerCapability registration.
type Listener interface {
	Events() <-chan FileEvent
	Close() error
}

// ListenerFactory constructs a Listener rooted at rootDir. The
// connection engine calls it once per workspace/didChangeWatchedFiles
// registration; it is an injected capability so hosts can supply a
// filesystem watcher backend of their own (spec.md §1 leaves the
// watcher backend external).
type ListenerFactory func(rootDir string) (Listener, error)

// DefaultListenerFactory returns a ListenerFactory backed by fsnotify.
func DefaultListenerFactory() ListenerFactory {
	return func(rootDir string) (Listener, error) {
		w, err := watch.New()
		if err != nil {
			return nil, err
		}
		if err := w.WatchRecursive(rootDir); err != nil {
			_ = w.Close()
			return nil, err
		}
		return &fsListener{w: w, out: adaptEvents(w)}, nil
	}
}

type fsListener struct {
	w   *watch.FSWatcher
	out chan FileEvent
}

func (l *fsListener) Events() <-chan FileEvent { return l.out }
func (l *fsListener) Close() error             { return l.w.Close() }

func adaptEvents(w *watch.FSWatcher) chan FileEvent {
	out := make(chan FileEvent, 100)
	go func() {
		defer close(out)
		for ev := range w.Events() {
			out <- FileEvent{Path: ev.Path, Op: FileOp(ev.Op), Timestamp: ev.Timestamp}
		}
	}()
	return out
}

var _ Listener = (*fsListener)(nil)
