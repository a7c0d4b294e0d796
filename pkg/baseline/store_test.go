package baseline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/gentoomaniac/fsguard/pkg/config"
	"github.com/gentoomaniac/fsguard/pkg/crypt/aes256"
	"github.com/gentoomaniac/fsguard/pkg/db"
	"github.com/gentoomaniac/fsguard/pkg/hasher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBlockSize = 16

type fixture struct {
	store  *Store
	holder *config.Holder
	root   string
	cfg    string
}

func writeConfig(t *testing.T, path, root, storage string, blockSize int) {
	t.Helper()
	yaml := fmt.Sprintf(`protected_paths: [%q]
block_config:
  size: %d
  algorithm: sha256
storage_path: %q
log_path: %q
ipc_socket: %q
`, root, blockSize, storage, filepath.Join(storage, "fsguard.log"), filepath.Join(storage, "fsguard.sock"))
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0600))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "protected")
	storage := filepath.Join(dir, "storage")
	require.NoError(t, os.MkdirAll(root, 0755))
	require.NoError(t, os.MkdirAll(storage, 0700))

	cfgPath := filepath.Join(dir, "system.yaml")
	writeConfig(t, cfgPath, root, storage, testBlockSize)
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	holder := config.NewHolder(cfgPath, cfg)

	database, err := db.NewSQLLite(cfg.DBPath())
	require.NoError(t, err)
	require.NoError(t, database.Init())
	t.Cleanup(func() { database.Close() })

	key, err := aes256.LoadOrCreateKey(cfg.KeyPath())
	require.NoError(t, err)

	store, err := Open(database, holder, key, cfg.BackupDir())
	require.NoError(t, err)
	return &fixture{store: store, holder: holder, root: root, cfg: cfgPath}
}

func (f *fixture) write(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(f.root, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func (f *fixture) build(t *testing.T) int64 {
	t.Helper()
	id, err := f.store.CreateBaseline(context.Background(), []string{f.root})
	require.NoError(t, err)
	return id
}

func hashFile(t *testing.T, path string) (*hasher.Result, map[int][]byte) {
	t.Helper()
	h, err := hasher.New("sha256", testBlockSize)
	require.NoError(t, err)
	res, kept, err := h.HashFile(path, func(int, []byte) bool { return true })
	require.NoError(t, err)
	return res, kept
}

func TestNotInitialized(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Lookup("/nope")
	assert.ErrorIs(t, err, ErrNotInitialized)

	status, err := f.store.Status()
	require.NoError(t, err)
	assert.False(t, status.Initialized)
}

func TestCreateBaselineAndLookup(t *testing.T) {
	f := newFixture(t)
	a := f.write(t, "a.txt", bytes.Repeat([]byte("a"), 40))
	b := f.write(t, "sub/b.txt", []byte("short"))
	empty := f.write(t, "empty", nil)

	f.build(t)

	rec, err := f.store.Lookup(a)
	require.NoError(t, err)
	assert.EqualValues(t, 40, rec.Size)
	assert.Len(t, rec.Blocks, 3)
	assert.Equal(t, rec.Blocks, rec.OriginalBlocks)

	rec, err = f.store.Lookup(b)
	require.NoError(t, err)
	assert.Len(t, rec.Blocks, 1)

	rec, err = f.store.Lookup(empty)
	require.NoError(t, err)
	assert.Empty(t, rec.Blocks)

	_, err = f.store.Lookup(filepath.Join(f.root, "missing"))
	assert.ErrorIs(t, err, ErrNotFound)

	files, err := f.store.Files()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a, b, empty}, files)

	status, err := f.store.Status()
	require.NoError(t, err)
	assert.True(t, status.Initialized)
	assert.Equal(t, 3, status.Files)
}

func TestRebuildReplacesGeneration(t *testing.T) {
	f := newFixture(t)
	a := f.write(t, "a", []byte("first version"))
	first := f.build(t)

	require.NoError(t, os.Remove(a))
	b := f.write(t, "b", []byte("other"))
	second := f.build(t)
	assert.NotEqual(t, first, second)

	_, err := f.store.Lookup(a)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.store.Lookup(b)
	assert.NoError(t, err)
}

func TestCancelledBuildKeepsPreviousGeneration(t *testing.T) {
	f := newFixture(t)
	a := f.write(t, "a", []byte("kept"))
	first := f.build(t)

	f.write(t, "b", []byte("never activated"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.store.CreateBaseline(ctx, []string{f.root})
	assert.ErrorIs(t, err, context.Canceled)

	rec, err := f.store.Lookup(a)
	require.NoError(t, err)
	assert.Equal(t, first, rec.Generation)
	_, err = f.store.Lookup(filepath.Join(f.root, "b"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, f.store.Building())
}

func TestStaleGeneration(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a", []byte("data"))
	f.build(t)

	cfg := f.holder.Current()
	writeConfig(t, f.cfg, f.root, cfg.StoragePath, testBlockSize*2)
	_, err := f.holder.Reload()
	require.NoError(t, err)

	_, err = f.store.Lookup(filepath.Join(f.root, "a"))
	assert.ErrorIs(t, err, ErrStaleGeneration)

	status, err := f.store.Status()
	require.NoError(t, err)
	assert.True(t, status.Stale)
}

func TestUpdateBlocksAndSnapshot(t *testing.T) {
	f := newFixture(t)
	original := bytes.Repeat([]byte("0123456789abcdef"), 3)
	path := f.write(t, "doc", original)
	f.build(t)

	// rewrite block 1 and append a fourth block
	changed := append([]byte{}, original...)
	copy(changed[16:32], bytes.Repeat([]byte("X"), 16))
	changed = append(changed, []byte("tail")...)
	require.NoError(t, os.WriteFile(path, changed, 0644))

	res, kept := hashFile(t, path)
	err := f.store.UpdateBlocks(path, FileState{Size: res.Size, FullHash: res.FullHash},
		map[int][]byte{1: res.Blocks[1], 3: res.Blocks[3]},
		map[int][]byte{1: kept[1], 3: kept[3]})
	require.NoError(t, err)

	rec, err := f.store.Lookup(path)
	require.NoError(t, err)
	assert.Equal(t, res.Blocks, rec.Blocks)
	assert.Len(t, rec.OriginalBlocks, 3)
	assert.Equal(t, res.FullHash, rec.FullHash)

	snapshot, err := f.store.SnapshotBlocksForBackup(path)
	require.NoError(t, err)
	var restored []byte
	for _, block := range snapshot.Data {
		restored = append(restored, block.Data...)
	}
	assert.Equal(t, changed, restored)

	// shrink to a single block
	require.NoError(t, os.WriteFile(path, original[:10], 0644))
	res, kept = hashFile(t, path)
	err = f.store.UpdateBlocks(path, FileState{Size: res.Size, FullHash: res.FullHash},
		map[int][]byte{0: res.Blocks[0]}, map[int][]byte{0: kept[0]})
	require.NoError(t, err)
	rec, err = f.store.Lookup(path)
	require.NoError(t, err)
	assert.Len(t, rec.Blocks, 1)
}

func TestUpdateBlocksRejectsHolesAndBadPayloads(t *testing.T) {
	f := newFixture(t)
	path := f.write(t, "doc", bytes.Repeat([]byte("a"), 16))
	f.build(t)

	// grows to three blocks but only reports block 2
	err := f.store.UpdateBlocks(path, FileState{Size: 48}, map[int][]byte{2: []byte("h")}, map[int][]byte{2: []byte("x")})
	assert.ErrorIs(t, err, ErrInconsistent)
	assert.True(t, f.store.IsInconsistent(path))

	err = f.store.UpdateBlocks(path, FileState{Size: 16}, map[int][]byte{0: []byte("h")}, nil)
	assert.ErrorIs(t, err, ErrInconsistent, "inconsistent paths take no benign updates")

	res, kept := hashFile(t, path)
	require.NoError(t, f.store.Put(path, FileState{Size: res.Size, FullHash: res.FullHash}, res.Blocks, kept))
	assert.False(t, f.store.IsInconsistent(path))

	err = f.store.UpdateBlocks(path, FileState{Size: 16}, map[int][]byte{0: res.Blocks[0]}, map[int][]byte{0: []byte("not the payload")})
	assert.Error(t, err)
	rec, err := f.store.Lookup(path)
	require.NoError(t, err)
	assert.Equal(t, res.Blocks, rec.Blocks, "failed update leaves the record untouched")
}

func TestMissingBlockPayloadMarksInconsistent(t *testing.T) {
	f := newFixture(t)
	path := f.write(t, "doc", bytes.Repeat([]byte("b"), 16))
	f.build(t)

	unknown := sha256.Sum256([]byte("never stored"))
	err := f.store.UpdateBlocks(path, FileState{Size: 16}, map[int][]byte{0: unknown[:]}, nil)
	require.ErrorIs(t, err, ErrBlockMissing)
	assert.True(t, f.store.IsInconsistent(path))
	assert.Contains(t, f.store.Inconsistent()[path], "backup block missing")

	status, err := f.store.Status()
	require.NoError(t, err)
	assert.Equal(t, 1, status.Inconsistent)
}

func TestPutNewFile(t *testing.T) {
	f := newFixture(t)
	f.build(t)

	path := f.write(t, "new", []byte("brand new content here"))
	res, kept := hashFile(t, path)
	require.NoError(t, f.store.Put(path, FileState{Size: res.Size, FullHash: res.FullHash}, res.Blocks, kept))

	rec, err := f.store.Lookup(path)
	require.NoError(t, err)
	assert.Equal(t, res.Blocks, rec.Blocks)

	err = f.store.Put(path, FileState{Size: res.Size}, res.Blocks[:1], nil)
	assert.Error(t, err, "block count must match the size")
}

func TestRetireRespectsHold(t *testing.T) {
	f := newFixture(t)
	path := f.write(t, "doc", []byte("content"))
	f.build(t)

	f.store.Hold(path)
	retired, err := f.store.Retire(path)
	require.NoError(t, err)
	assert.False(t, retired)
	_, err = f.store.Lookup(path)
	assert.NoError(t, err)

	f.store.Unhold(path)
	retired, err = f.store.Retire(path)
	require.NoError(t, err)
	assert.True(t, retired)
	_, err = f.store.Lookup(path)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCheckIntegrity(t *testing.T) {
	f := newFixture(t)
	f.write(t, "doc", []byte("content"))
	f.build(t)

	bad, err := f.store.CheckIntegrity()
	require.NoError(t, err)
	assert.Empty(t, bad)
}

func TestStorageIsExcluded(t *testing.T) {
	f := newFixture(t)
	// storage below the protected root must never be tracked
	writeConfig(t, f.cfg, f.root, filepath.Join(f.root, ".fsguard"), testBlockSize)
	_, err := f.holder.Reload()
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(f.root, ".fsguard"), 0700))
	f.write(t, ".fsguard/baseline.db", []byte("internal"))
	doc := f.write(t, "doc", []byte("tracked"))

	f.build(t)
	files, err := f.store.Files()
	require.NoError(t, err)
	assert.Equal(t, []string{doc}, files)
}
