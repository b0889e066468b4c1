package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskgrid/taskgrid/test"
)

func TestWatcherFiresAfterWrite(t *testing.T) {
	path := writeCatalog(t, "tasks.yaml", "tasks: []\n")

	changed := make(chan struct{}, 1)
	w, err := NewWatcher(path, &test.Logger{}, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("tasks: []\n# touched\n"), 0o644))

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never fired")
	}
}

func TestWatcherIgnoresSiblingFiles(t *testing.T) {
	path := writeCatalog(t, "tasks.yaml", "tasks: []\n")

	changed := make(chan struct{}, 1)
	w, err := NewWatcher(path, &test.Logger{}, func() {
		changed <- struct{}{}
	})
	require.NoError(t, err)
	defer w.Close()

	sibling := path + ".bak"
	require.NoError(t, os.WriteFile(sibling, []byte("noise"), 0o644))

	select {
	case <-changed:
		t.Fatal("watcher fired for an unrelated file")
	case <-time.After(time.Second):
	}
}
