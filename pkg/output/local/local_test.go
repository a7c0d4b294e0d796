package local

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gentoomaniac/fsguard/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteRead(t *testing.T) {
	base := t.TempDir()
	meta := &db.BlockMeta{Hash: []byte{1, 2, 3}, Name: []byte{0xab, 0xcd, 0xef}, Size: 5}

	assert.False(t, Exists(meta, base))

	n, err := Write([]byte("hello"), meta, base)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.True(t, Exists(meta, base))

	path := filepath.Join(base, "ab", "cd", "abcdef")
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	data, err := Read(meta, base)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestWriteRejectsShortName(t *testing.T) {
	_, err := Write([]byte("x"), &db.BlockMeta{Name: []byte{1}}, t.TempDir())
	assert.Error(t, err)
}
