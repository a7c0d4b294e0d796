//go:build linux

package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherEventMode(t *testing.T) {
	root := t.TempDir()
	existing := filepath.Join(root, "existing")
	require.NoError(t, os.WriteFile(existing, []byte("v1"), 0644))

	w := New(Options{
		Roots:            []string{root},
		UseInotify:       true,
		FallbackInterval: time.Hour,
		FullHash:         fullHash(t),
	})
	w.Start(context.Background())
	defer w.Stop()
	waitForMode(t, w, root, ModeEvent)

	byPath := func(p string) func(ChangeEvent) bool {
		return func(e ChangeEvent) bool { return e.Path == p }
	}

	require.NoError(t, os.WriteFile(existing, []byte("v2"), 0644))
	e := nextEvent(t, w.Events(), byPath(existing))
	assert.Equal(t, Modified, e.Kind)
	assert.Equal(t, SourceWatch, e.Source)

	created := filepath.Join(root, "created")
	require.NoError(t, os.WriteFile(created, []byte("new"), 0644))
	e = nextEvent(t, w.Events(), byPath(created))
	assert.Equal(t, Created, e.Kind)

	// files below a new directory are picked up
	nested := filepath.Join(root, "dir", "nested")
	require.NoError(t, os.MkdirAll(filepath.Dir(nested), 0755))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(nested, []byte("n"), 0644))
	e = nextEvent(t, w.Events(), byPath(nested))
	assert.Equal(t, Created, e.Kind)

	renamed := filepath.Join(root, "renamed")
	require.NoError(t, os.Rename(created, renamed))
	e = nextEvent(t, w.Events(), byPath(created))
	assert.Equal(t, Moved, e.Kind)
	e = nextEvent(t, w.Events(), byPath(renamed))
	assert.Equal(t, Created, e.Kind)

	require.NoError(t, os.Remove(existing))
	e = nextEvent(t, w.Events(), byPath(existing))
	assert.Equal(t, Deleted, e.Kind)
}

func TestWatcherFallsBackWhenRootVanishes(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "root")
	require.NoError(t, os.MkdirAll(root, 0755))

	w := New(Options{
		Roots:            []string{root},
		UseInotify:       true,
		FallbackInterval: 20 * time.Millisecond,
		FullHash:         fullHash(t),
	})
	w.Start(context.Background())
	defer w.Stop()
	waitForMode(t, w, root, ModeEvent)

	require.NoError(t, os.RemoveAll(root))
	waitForMode(t, w, root, ModeFallback)
}
