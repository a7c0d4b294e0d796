package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gentoomaniac/fsguard/pkg/hasher"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fullHash(t *testing.T) func(string) ([]byte, int64, error) {
	h, err := hasher.New("sha256", 4096)
	require.NoError(t, err)
	return h.FullHashFile
}

func kinds(events []ChangeEvent) map[string]Kind {
	result := make(map[string]Kind)
	for _, e := range events {
		result[e.Path] = e.Kind
	}
	return result
}

func TestScannerReportsDrift(t *testing.T) {
	root := t.TempDir()
	a := filepath.Join(root, "a")
	b := filepath.Join(root, "sub", "b")
	require.NoError(t, os.WriteFile(a, []byte("aaaa"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Dir(b), 0755))
	require.NoError(t, os.WriteFile(b, []byte("bbbb"), 0644))

	s := newScanner(root, nil, fullHash(t))
	events, err := s.prime(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Empty(t, events, "the first scan is silent")

	// same size, different content
	require.NoError(t, os.WriteFile(a, []byte("AAAA"), 0644))
	require.NoError(t, os.Remove(b))
	c := filepath.Join(root, "c")
	require.NoError(t, os.WriteFile(c, []byte("new"), 0644))

	events, err = s.scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]Kind{a: Modified, b: Deleted, c: Created}, kinds(events))
	for _, e := range events {
		assert.Equal(t, SourceFallbackScan, e.Source)
	}

	events, err = s.scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, events, "no drift, no events")
}

func TestScannerPrimeSince(t *testing.T) {
	root := t.TempDir()
	old := filepath.Join(root, "old")
	recent := filepath.Join(root, "recent")
	require.NoError(t, os.WriteFile(old, []byte("x"), 0644))
	require.NoError(t, os.WriteFile(recent, []byte("y"), 0644))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	s := newScanner(root, nil, fullHash(t))
	events, err := s.prime(context.Background(), time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, map[string]Kind{recent: Modified}, kinds(events))
}

func TestScannerExclude(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "state"), 0700))
	s := newScanner(root, func(p string) bool { return p == filepath.Join(root, "state") }, fullHash(t))
	_, err := s.prime(context.Background(), time.Time{})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(root, "state", "db"), []byte("x"), 0600))
	events, err := s.scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestScannerProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	// 0 keeps a file, 1 rewrites it, 2 deletes it
	properties.Property("a scan reports exactly the touched files", prop.ForAll(
		func(ops []int) bool {
			root, err := os.MkdirTemp("", "scanner")
			if err != nil {
				return false
			}
			defer os.RemoveAll(root)

			paths := make([]string, len(ops))
			for i := range ops {
				paths[i] = filepath.Join(root, fmt.Sprintf("f%d", i))
				if os.WriteFile(paths[i], []byte(fmt.Sprintf("content %d", i)), 0644) != nil {
					return false
				}
			}
			s := newScanner(root, nil, fullHash(t))
			if _, err := s.prime(context.Background(), time.Time{}); err != nil {
				return false
			}

			want := make(map[string]Kind)
			for i, op := range ops {
				switch op {
				case 1:
					os.WriteFile(paths[i], []byte(fmt.Sprintf("rewritten %d", i)), 0644)
					want[paths[i]] = Modified
				case 2:
					os.Remove(paths[i])
					want[paths[i]] = Deleted
				}
			}
			events, err := s.scan(context.Background())
			if err != nil || len(events) != len(want) {
				return false
			}
			got := kinds(events)
			for path, kind := range want {
				if got[path] != kind {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 2)),
	))

	properties.TestingRun(t)
}

func waitForMode(t *testing.T, w *Watcher, root string, mode Mode) {
	t.Helper()
	require.Eventually(t, func() bool { return w.Mode(root) == mode }, 5*time.Second, 10*time.Millisecond)
}

func nextEvent(t *testing.T, events <-chan ChangeEvent, match func(ChangeEvent) bool) ChangeEvent {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-events:
			require.True(t, ok, "event stream closed")
			if match(e) {
				return e
			}
		case <-timeout:
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestWatcherForcedFallback(t *testing.T) {
	root := t.TempDir()
	w := New(Options{
		Roots:            []string{root},
		UseInotify:       false,
		FallbackInterval: 20 * time.Millisecond,
		QueueSize:        4,
		FullHash:         fullHash(t),
	})
	w.Start(context.Background())
	waitForMode(t, w, root, ModeFallback)

	path := filepath.Join(root, "doc")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))
	e := nextEvent(t, w.Events(), func(e ChangeEvent) bool { return e.Path == path })
	assert.Equal(t, Created, e.Kind)
	assert.Equal(t, SourceFallbackScan, e.Source)

	states := w.States()
	require.Len(t, states, 1)
	assert.Equal(t, "use_inotify disabled", states[0].Reason)

	w.Stop()
	_, open := <-w.Events()
	assert.False(t, open)
	assert.Equal(t, ModeStopped, w.Mode(root))
}

func TestWatcherBlocksInsteadOfDropping(t *testing.T) {
	root := t.TempDir()
	w := New(Options{
		Roots:            []string{root},
		FallbackInterval: 10 * time.Millisecond,
		QueueSize:        1,
		FullHash:         fullHash(t),
	})
	w.Start(context.Background())
	waitForMode(t, w, root, ModeFallback)

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(root, fmt.Sprintf("f%d", i)), []byte("x"), 0644))
	}
	seen := make(map[string]bool)
	for len(seen) < 5 {
		e := nextEvent(t, w.Events(), func(ChangeEvent) bool { return true })
		seen[e.Path] = true
	}
	w.Stop()
}
