package fsutil

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPadPathReturnsUnusedPath(t *testing.T) {
	t.Parallel()

	target := filepath.Join(t.TempDir(), "My Deposit")
	got, err := PadPath(target)
	require.NoError(t, err)
	assert.Equal(t, target, got)
}

func TestPadPathIsCollisionFree(t *testing.T) {
	t.Parallel()

	base := filepath.Join(t.TempDir(), "Batch1")
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		p, err := PadPath(base)
		require.NoError(t, err)
		require.False(t, seen[p], "duplicate path %q", p)
		seen[p] = true
		require.NoError(t, os.Mkdir(p, 0o755))
	}
	assert.Len(t, seen, 100)
	assert.True(t, seen[base+"_99"])
}

func TestCopyTreePreservesModesAndTimes(t *testing.T) {
	t.Parallel()

	src := filepath.Join(t.TempDir(), "src")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0o750))
	file := filepath.Join(src, "sub", "a.txt")
	require.NoError(t, os.WriteFile(file, []byte("alpha"), 0o640))
	stamp := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, os.Chtimes(file, stamp, stamp))

	dst := filepath.Join(t.TempDir(), "dst")
	require.NoError(t, os.MkdirAll(dst, 0o755))
	extra := filepath.Join(dst, "keep.txt")
	require.NoError(t, os.WriteFile(extra, []byte("keep"), 0o644))

	require.NoError(t, CopyTree(context.Background(), src, dst))

	data, err := os.ReadFile(filepath.Join(dst, "sub", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(data))

	info, err := os.Stat(filepath.Join(dst, "sub", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())
	assert.True(t, info.ModTime().Equal(stamp), "mtime = %v", info.ModTime())

	_, err = os.Stat(extra)
	assert.NoError(t, err, "extraneous destination file must survive")

	// Re-running is safe.
	require.NoError(t, CopyTree(context.Background(), src, dst))
}

func TestMoveDirectory(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	src := filepath.Join(root, "deposit")
	require.NoError(t, os.Mkdir(src, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "f"), []byte("x"), 0o644))

	dst := filepath.Join(root, "watched", "deposit")
	require.NoError(t, os.MkdirAll(filepath.Dir(dst), 0o755))
	require.NoError(t, Move(context.Background(), src, dst))

	_, err := os.Stat(src)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dst, "f"))
	assert.NoError(t, err)
}

func crossDevice(oldpath, newpath string) error {
	return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: syscall.EXDEV}
}

func TestMoveAcrossDevicesCopiesTree(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	src := filepath.Join(root, "deposit")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "f"), []byte("x"), 0o640))

	dst := filepath.Join(root, "other", "deposit")
	require.NoError(t, os.MkdirAll(filepath.Dir(dst), 0o755))
	require.NoError(t, move(context.Background(), src, dst, crossDevice))

	assert.NoDirExists(t, src)
	data, err := os.ReadFile(filepath.Join(dst, "sub", "f"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
	assert.NoDirExists(t, dst+".moving")
}

func TestMoveAcrossDevicesReplacesFile(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	src := filepath.Join(root, "spool")
	dst := filepath.Join(root, "a.txt")
	require.NoError(t, os.WriteFile(src, []byte("new"), 0o644))
	require.NoError(t, os.WriteFile(dst, []byte("old"), 0o644))

	require.NoError(t, move(context.Background(), src, dst, crossDevice))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
	assert.NoFileExists(t, src)
}

func TestCopyFreshRefusesExistingDestination(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	src := filepath.Join(root, "src")
	require.NoError(t, os.MkdirAll(src, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "f"), []byte("x"), 0o644))

	dst := filepath.Join(root, "dst")
	require.NoError(t, CopyFresh(src, dst))
	assert.FileExists(t, filepath.Join(dst, "f"))

	assert.Error(t, CopyFresh(src, dst))
}

func TestIsEmptyDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	empty, err := IsEmptyDir(dir)
	require.NoError(t, err)
	assert.True(t, empty)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "x"), nil, 0o644))
	empty, err = IsEmptyDir(dir)
	require.NoError(t, err)
	assert.False(t, empty)
}

func TestSafeName(t *testing.T) {
	t.Parallel()

	for _, ok := range []string{"file.txt", "My Deposit", "a..b"} {
		assert.True(t, SafeName(ok), ok)
	}
	for _, bad := range []string{"", ".", "..", "/", "a/b", "../x", "/abs", "nul\x00"} {
		assert.False(t, SafeName(bad), bad)
	}
}
