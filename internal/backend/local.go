package backend

import (
	"context"
	"os"

	"github.com/mattjoyce/depositd/internal/location"
)

// Local serves spaces on a locally attached filesystem.
type Local struct {
	space location.Space
	opts  Options
}

var _ Backend = (*Local)(nil)

func NewLocal(space location.Space, opts Options) (Backend, error) {
	return &Local{space: space, opts: opts}, nil
}

// Verify checks that the space path is an existing directory.
func (b *Local) Verify(ctx context.Context) Verification {
	info, err := os.Stat(b.space.Path)
	return Verification{Verified: err == nil && info.IsDir(), CheckedAt: b.opts.Now().UTC()}
}

func (b *Local) StoreFile(ctx context.Context, src Source, destRel string) (*Stored, error) {
	return storeFile(ctx, b.opts.Syncer, src, destRel)
}

func (b *Local) Mount(ctx context.Context) error   { return nil }
func (b *Local) Unmount(ctx context.Context) error { return nil }
