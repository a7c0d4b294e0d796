package baseline

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveRoots(t *testing.T) {
	dir := t.TempDir()
	for _, d := range []string{"alice/Documents/nested", "bob/Documents", "carol", "a-x"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, d), 0755))
	}

	roots, err := ResolveRoots([]string{
		filepath.Join(dir, "*", "Documents"),
		filepath.Join(dir, "alice", "Documents", "nested"),
		filepath.Join(dir, "*", "Documents"),
		filepath.Join(dir, "nothing-*"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "alice", "Documents"),
		filepath.Join(dir, "bob", "Documents"),
	}, roots)

	roots, err = ResolveRoots([]string{dir, filepath.Join(dir, "a-x"), filepath.Join(dir, "carol")})
	require.NoError(t, err)
	assert.Equal(t, []string{dir}, roots, "nested roots collapse into their parent")
}

func TestCovers(t *testing.T) {
	roots := []string{"/srv/data", "/home/a"}
	assert.True(t, Covers(roots, "/srv/data/x/y"))
	assert.True(t, Covers(roots, "/home/a"))
	assert.False(t, Covers(roots, "/srv/database"))
	assert.False(t, Covers(roots, "/home"))
	assert.True(t, Covers([]string{"/"}, "/etc/passwd"))
}

func TestWalkFilesSkipsSymlinksAndExcluded(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "skip"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skip", "b"), []byte("b"), 0644))
	require.NoError(t, os.Symlink(filepath.Join(dir, "a"), filepath.Join(dir, "link")))

	var seen []string
	err := WalkFiles(context.Background(), []string{dir}, func(p string) bool {
		return p == filepath.Join(dir, "skip")
	}, func(path string, info fs.FileInfo) error {
		seen = append(seen, path)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a")}, seen)
}
