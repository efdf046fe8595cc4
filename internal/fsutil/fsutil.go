// Package fsutil holds the filesystem moves shared by deposits, downloads,
// pipeline approval and storage backends.
package fsutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	jujufs "github.com/juju/utils/v4/fs"
)

const maxPadAttempts = 100000

// PadPath returns path unchanged when nothing exists there, otherwise the first
// free sibling of the form path_1, path_2, ... .
func PadPath(path string) (string, error) {
	if _, err := os.Lstat(path); errors.Is(err, os.ErrNotExist) {
		return path, nil
	} else if err != nil {
		return "", fmt.Errorf("stat %q: %w", path, err)
	}

	for i := 1; i < maxPadAttempts; i++ {
		candidate := path + "_" + strconv.Itoa(i)
		_, err := os.Lstat(candidate)
		if errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}
	}
	return "", fmt.Errorf("no free name for %q after %d attempts", path, maxPadAttempts)
}

// Move renames src to dst, falling back to copy and remove when the two paths
// live on different devices.
func Move(ctx context.Context, src, dst string) error {
	return move(ctx, src, dst, os.Rename)
}

func move(ctx context.Context, src, dst string, rename func(string, string) error) error {
	err := rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return fmt.Errorf("move %q to %q: %w", src, dst, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Copy next to dst so the final step is a same-device rename, which
	// replaces an existing file the way a plain rename would.
	staging, err := PadPath(dst + ".moving")
	if err != nil {
		return err
	}
	if err := jujufs.Copy(src, staging); err != nil {
		_ = os.RemoveAll(staging)
		return fmt.Errorf("copy %q to %q across devices: %w", src, dst, err)
	}
	if err := os.Rename(staging, dst); err != nil {
		_ = os.RemoveAll(staging)
		return fmt.Errorf("move %q into place: %w", staging, err)
	}
	if err := os.RemoveAll(src); err != nil {
		return fmt.Errorf("remove %q after copy: %w", src, err)
	}
	return nil
}

// CopyFresh copies the file or directory tree at src to dst, which must not
// exist yet.
func CopyFresh(src, dst string) error {
	if err := jujufs.Copy(src, dst); err != nil {
		return fmt.Errorf("copy %q to %q: %w", src, dst, err)
	}
	return nil
}

// CopyTree copies src (a file or a directory) onto dst the way rsync -a does:
// permissions and modification times are preserved, existing destination
// files are overwritten and extra destination files are left alone.
func CopyTree(ctx context.Context, src, dst string) error {
	srcInfo, err := os.Lstat(src)
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}
	if !srcInfo.IsDir() {
		return copyEntry(src, dst, srcInfo)
	}

	if err := os.MkdirAll(dst, srcInfo.Mode().Perm()); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}

	var dirs []string
	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		relPath, err := filepath.Rel(src, path)
		if err != nil {
			return fmt.Errorf("resolve relative path: %w", err)
		}
		dstPath := filepath.Join(dst, relPath)

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("read entry info for %q: %w", path, err)
		}
		if d.IsDir() {
			if err := os.MkdirAll(dstPath, info.Mode().Perm()); err != nil {
				return fmt.Errorf("create directory %q: %w", dstPath, err)
			}
			dirs = append(dirs, path)
			return nil
		}
		return copyEntry(path, dstPath, info)
	})
	if err != nil {
		return err
	}

	// Directory metadata last, deepest first, so copying children does not
	// bump the restored mtimes.
	for i := len(dirs) - 1; i >= 0; i-- {
		rel, _ := filepath.Rel(src, dirs[i])
		info, err := os.Stat(dirs[i])
		if err != nil {
			return fmt.Errorf("stat directory %q: %w", dirs[i], err)
		}
		if err := applyMetadata(filepath.Join(dst, rel), info); err != nil {
			return err
		}
	}
	return nil
}

func copyEntry(src, dst string, info fs.FileInfo) error {
	switch {
	case info.Mode().IsRegular():
		return copyFile(src, dst, info)
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return fmt.Errorf("read symlink %q: %w", src, err)
		}
		_ = os.Remove(dst)
		if err := os.Symlink(target, dst); err != nil {
			return fmt.Errorf("create symlink %q: %w", dst, err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported file type for %q (%s)", src, info.Mode().Type())
	}
}

func copyFile(src, dst string, info fs.FileInfo) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %q: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("create %q: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %q: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %q: %w", dst, err)
	}
	return applyMetadata(dst, info)
}

func applyMetadata(path string, info fs.FileInfo) error {
	if err := os.Chmod(path, info.Mode()&(fs.ModePerm|fs.ModeSetgid|fs.ModeSetuid|fs.ModeSticky)); err != nil {
		return fmt.Errorf("chmod %q: %w", path, err)
	}
	if err := os.Chtimes(path, info.ModTime(), info.ModTime()); err != nil {
		return fmt.Errorf("chtimes %q: %w", path, err)
	}
	return nil
}

// IsEmptyDir reports whether dir has no entries.
func IsEmptyDir(dir string) (bool, error) {
	f, err := os.Open(dir)
	if err != nil {
		return false, err
	}
	defer f.Close()

	_, err = f.Readdirnames(1)
	if errors.Is(err, io.EOF) {
		return true, nil
	}
	return false, err
}

// SafeName reports whether name is usable as a single path segment.
func SafeName(name string) bool {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\x00") {
		return false
	}
	return filepath.Base(name) == name && filepath.Clean(name) == name
}
