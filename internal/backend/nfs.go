package backend

import (
	"context"
	"fmt"
	"os"

	"github.com/mattjoyce/depositd/internal/fsinfo"
	"github.com/mattjoyce/depositd/internal/location"
)

// NFS serves spaces exported over NFS. Operator-mounted exports are only
// probed; otherwise Mount and Unmount drive mount(8).
type NFS struct {
	space location.Space
	nfs   location.NFSDetails
	opts  Options
}

var _ Backend = (*NFS)(nil)

func NewNFS(space location.Space, opts Options) (Backend, error) {
	if space.NFS == nil {
		return nil, fmt.Errorf("space %s: NFS details missing", space.UUID)
	}
	details := *space.NFS
	if details.Version == "" {
		details.Version = "nfs4"
	}
	return &NFS{space: space, nfs: details, opts: opts}, nil
}

// Verify checks mount-table membership for manually mounted exports and
// reports unprobed otherwise.
func (b *NFS) Verify(ctx context.Context) Verification {
	if !b.nfs.ManuallyMounted {
		return Verification{}
	}

	now := b.opts.Now().UTC()
	mounted, err := b.opts.Mounted(b.space.Path)
	if err != nil {
		b.opts.Logger.Warn("mount table lookup failed", "space", b.space.UUID, "path", b.space.Path, "error", err)
		return Verification{CheckedAt: now}
	}
	if mounted {
		if fsType, err := b.opts.Detect(b.space.Path); err == nil && !fsinfo.IsNFS(fsType) {
			b.opts.Logger.Warn("NFS space is mounted from a non-NFS filesystem", "space", b.space.UUID, "fs_type", fsType)
		}
	}
	return Verification{Verified: mounted, CheckedAt: now}
}

func (b *NFS) StoreFile(ctx context.Context, src Source, destRel string) (*Stored, error) {
	return storeFile(ctx, b.opts.Syncer, src, destRel)
}

// Mount mounts the export at the space path unless it is operator managed or
// already mounted.
func (b *NFS) Mount(ctx context.Context) error {
	if b.nfs.ManuallyMounted {
		return nil
	}
	mounted, err := b.opts.Mounted(b.space.Path)
	if err == nil && mounted {
		return nil
	}
	if err := os.MkdirAll(b.space.Path, 0o755); err != nil {
		return fmt.Errorf("create mount point %q: %w", b.space.Path, err)
	}
	remote := b.nfs.RemoteName + ":" + b.nfs.RemotePath
	if err := b.opts.Runner(ctx, "mount", "-t", b.nfs.Version, remote, b.space.Path); err != nil {
		return fmt.Errorf("mount %s: %w", remote, err)
	}
	b.opts.Logger.Info("mounted NFS space", "space", b.space.UUID, "remote", remote, "path", b.space.Path)
	return nil
}

// Unmount releases a mount made by Mount. It is a no-op when nothing is mounted.
func (b *NFS) Unmount(ctx context.Context) error {
	if b.nfs.ManuallyMounted {
		return nil
	}
	mounted, err := b.opts.Mounted(b.space.Path)
	if err != nil {
		return fmt.Errorf("check mount %q: %w", b.space.Path, err)
	}
	if !mounted {
		return nil
	}
	if err := b.opts.Runner(ctx, "umount", b.space.Path); err != nil {
		return fmt.Errorf("unmount %q: %w", b.space.Path, err)
	}
	return nil
}
