package filewatcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWatcherEmitsStartAndStop(t *testing.T) {
	assert := assert.New(t)

	dir := t.TempDir()
	socket := filepath.Join(dir, "gui-vm.qmp")

	w, err := New()
	assert.NoError(err)
	defer w.Close()

	assert.NoError(w.AddFile(socket))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := w.Run(ctx)

	assert.NoError(os.WriteFile(socket, []byte("x"), 0o644))
	started := waitForEvent(t, events)
	assert.Equal(socket, started.SocketPath)
	assert.True(started.Started)

	assert.NoError(os.Remove(socket))
	stopped := waitForEvent(t, events)
	assert.Equal(socket, stopped.SocketPath)
	assert.False(stopped.Started)
}

func TestWatcherIgnoresUntrackedFiles(t *testing.T) {
	assert := assert.New(t)

	dir := t.TempDir()
	tracked := filepath.Join(dir, "gui-vm.qmp")
	untracked := filepath.Join(dir, "scratch.txt")

	w, err := New()
	assert.NoError(err)
	defer w.Close()
	assert.NoError(w.AddFile(tracked))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := w.Run(ctx)

	assert.NoError(os.WriteFile(untracked, []byte("x"), 0o644))
	assert.NoError(os.WriteFile(tracked, []byte("x"), 0o644))

	ev := waitForEvent(t, events)
	assert.Equal(tracked, ev.SocketPath)
}

func TestWatcherSharesDirectoryWatch(t *testing.T) {
	assert := assert.New(t)

	dir := t.TempDir()
	w, err := New()
	assert.NoError(err)
	defer w.Close()

	assert.NoError(w.AddFile(filepath.Join(dir, "vm-a.qmp")))
	assert.NoError(w.AddFile(filepath.Join(dir, "vm-b.qmp")))
	assert.Len(w.watchedAt, 1, "two sockets in the same directory should share one fsnotify watch")
}

func waitForEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("events channel closed before an event arrived")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for filewatcher event")
		return Event{}
	}
}
