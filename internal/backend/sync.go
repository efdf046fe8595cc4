package backend

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/depositd/internal/fsutil"
)

// Syncer copies src to dst with rsync -a semantics: modes and times are
// preserved, re-runs are safe and extra destination files are kept.
type Syncer interface {
	Sync(ctx context.Context, src, dst string) error
}

// RsyncSyncer shells out to rsync.
type RsyncSyncer struct {
	Binary string
}

func (s RsyncSyncer) Sync(ctx context.Context, src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}
	if info.IsDir() {
		// Trailing slash copies the contents of src into dst.
		src = strings.TrimSuffix(src, "/") + "/"
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.Binary, "-a", src, dst)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("rsync: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// NativeSyncer copies in-process.
type NativeSyncer struct{}

func (NativeSyncer) Sync(ctx context.Context, src, dst string) error {
	return fsutil.CopyTree(ctx, src, dst)
}

// NewSyncer picks a Syncer for mode: "rsync", "native" or "auto" (rsync when
// it is on PATH).
func NewSyncer(mode, rsyncPath string) (Syncer, error) {
	if rsyncPath == "" {
		rsyncPath = "rsync"
	}
	switch mode {
	case "native":
		return NativeSyncer{}, nil
	case "rsync":
		bin, err := exec.LookPath(rsyncPath)
		if err != nil {
			return nil, fmt.Errorf("rsync not available: %w", err)
		}
		return RsyncSyncer{Binary: bin}, nil
	case "", "auto":
		if bin, err := exec.LookPath(rsyncPath); err == nil {
			return RsyncSyncer{Binary: bin}, nil
		}
		return NativeSyncer{}, nil
	default:
		return nil, fmt.Errorf("unknown copy mode %q", mode)
	}
}

// UUIDToPath expands an identifier into nested four-character directory
// segments, e.g. "0123456789ab..." -> "0123/4567/89ab/...".
func UUIDToPath(id string) string {
	compact := strings.ReplaceAll(id, "-", "")
	var parts []string
	for len(compact) > 4 {
		parts = append(parts, compact[:4])
		compact = compact[4:]
	}
	if compact != "" {
		parts = append(parts, compact)
	}
	return filepath.Join(parts...)
}

// storeFile is the StoreFile implementation shared by the filesystem backends.
func storeFile(ctx context.Context, syncer Syncer, src Source, destRel string) (*Stored, error) {
	if src.UUID == "" {
		return nil, fmt.Errorf("file uuid is empty")
	}
	cleaned := filepath.Clean(destRel)
	if destRel == "" || filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return nil, fmt.Errorf("destination %q must be a relative path inside the location", destRel)
	}

	dest := filepath.Join(src.LocationPath, UUIDToPath(src.UUID), cleaned)
	if err := os.MkdirAll(filepath.Dir(dest), 0o775); err != nil {
		return nil, &StorageError{Kind: ErrDirectoryCreate, Path: filepath.Dir(dest), Err: err}
	}
	if err := syncer.Sync(ctx, src.SourcePath, dest); err != nil {
		return nil, &StorageError{Kind: ErrTransfer, Path: dest, Err: err}
	}

	sum, size, err := Digest(dest)
	if err != nil {
		return nil, &StorageError{Kind: ErrTransfer, Path: dest, Err: err}
	}
	return &Stored{Path: dest, Checksum: sum, Size: size}, nil
}

// Digest returns the blake3 digest and byte size of path. Directories are
// hashed as the sequence of relative names and contents of their regular
// files in lexical order.
func Digest(path string) (string, int64, error) {
	h := blake3.New()
	var size int64

	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(path, p)
		if err != nil {
			return err
		}
		if rel != "." {
			_, _ = io.WriteString(h, rel)
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		n, err := io.Copy(h, f)
		_ = f.Close()
		size += n
		return err
	})
	if err != nil {
		return "", 0, fmt.Errorf("digest %q: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}
