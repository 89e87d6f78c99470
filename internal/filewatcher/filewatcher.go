// Package filewatcher watches VM control-socket paths for creation and
// removal, so the orchestrator can detect a VM restart and reattach its
// devices.
package filewatcher

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/tiiuae/vhotplugd/internal/log"
)

var watchLog = log.For("filewatcher")

// Event reports a watched VM control socket being created ("started")
// or removed ("stopped").
type Event struct {
	SocketPath string
	Started    bool
}

// Watcher multiplexes fsnotify watches over the directories holding one
// or more tracked VM control sockets: fsnotify watches directories, not
// individual files, so multiple sockets in the same directory share one
// underlying watch the same way the original inotify-based watcher
// deduplicated watch descriptors per directory.
type Watcher struct {
	fsw       *fsnotify.Watcher
	tracked   map[string]bool // absolute socket paths being watched
	watchedAt map[string]bool // directories with an active fsnotify watch
}

// New creates a Watcher with no tracked files.
func New() (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		fsw:       fsw,
		tracked:   map[string]bool{},
		watchedAt: map[string]bool{},
	}, nil
}

// Close releases the underlying inotify file descriptor.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// AddFile starts tracking create/delete events for a VM control socket
// path. Adding a second file in an already-watched directory reuses the
// existing directory watch.
func (w *Watcher) AddFile(path string) error {
	dir := filepath.Dir(path)
	watchLog.WithField("file", filepath.Base(path)).WithField("dir", dir).Info("watching for VM control socket")

	if !w.watchedAt[dir] {
		if err := w.fsw.Add(dir); err != nil {
			return err
		}
		w.watchedAt[dir] = true
	}
	w.tracked[path] = true
	return nil
}

// Run streams Events for tracked files until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) <-chan Event {
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.fsw.Events:
				if !ok {
					return
				}
				if !w.tracked[ev.Name] {
					continue
				}
				switch {
				case ev.Has(fsnotify.Create):
					watchLog.WithField("socket", ev.Name).Info("VM started")
					w.emit(ctx, out, Event{SocketPath: ev.Name, Started: true})
				case ev.Has(fsnotify.Remove):
					watchLog.WithField("socket", ev.Name).Info("VM stopped")
					w.emit(ctx, out, Event{SocketPath: ev.Name, Started: false})
				}
			case err, ok := <-w.fsw.Errors:
				if !ok {
					return
				}
				watchLog.WithError(err).Warn("filewatcher error")
			}
		}
	}()
	return out
}

func (w *Watcher) emit(ctx context.Context, out chan<- Event, ev Event) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}
