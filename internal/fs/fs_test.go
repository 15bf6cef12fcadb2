package fs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFS(t *testing.T) {
	tmp := t.TempDir()
	lfs := LocalFS{}

	dir := filepath.Join(tmp, "step_10")
	require.NoError(t, lfs.MkdirAll(dir, 0o755))

	path := filepath.Join(dir, "meta.json")
	f, err := lfs.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, f.Sync())
	info, err := f.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size())
	require.NoError(t, f.Close())

	entries, err := lfs.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	renamed := filepath.Join(dir, "renamed.json")
	require.NoError(t, lfs.Rename(path, renamed))
	require.NoError(t, lfs.Truncate(renamed, 3))
	info, err = lfs.Stat(renamed)
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.Size())

	require.NoError(t, lfs.Remove(renamed))
	ok, err := Exists(lfs, renamed)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "LATEST")

	require.NoError(t, WriteFileAtomic(nil, path, []byte("step_1"), 0o644))
	require.NoError(t, WriteFileAtomic(Default, path, []byte("step_2"), 0o644))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "step_2", string(got))

	ok, err := Exists(Default, path+".tmp")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWriteFileAtomic_FailedSyncKeepsOld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "LATEST")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))

	ffs := NewFaultyFS(nil)
	ffs.AddRule(".tmp", Fault{FailAfterBytes: -1, FailOnSync: true})

	err := WriteFileAtomic(ffs, path, []byte("new"), 0o644)
	assert.ErrorIs(t, err, ErrInjected)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "old", string(got))
}

func TestFaultyFS_WriteLimit(t *testing.T) {
	ffs := NewFaultyFS(LocalFS{})
	ffs.AddRule("journal", Fault{FailAfterBytes: 5})

	f, err := ffs.OpenFile(filepath.Join(t.TempDir(), "journal.log"), os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer f.Close()

	n, err := f.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = f.Write([]byte("!"))
	assert.ErrorIs(t, err, ErrInjected)
	assert.Zero(t, n)
}
