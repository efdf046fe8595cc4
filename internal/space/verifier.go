// Package space ties spaces to their storage backends: mounting, verification
// on save and on a timer, and storing files through a space's backend.
package space

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/mattjoyce/depositd/internal/backend"
	"github.com/mattjoyce/depositd/internal/location"
)

// Store is the persistence the verifier needs.
type Store interface {
	SaveSpace(ctx context.Context, sp location.Space) error
	GetSpace(ctx context.Context, uuid string) (*location.Space, error)
	ListSpaces(ctx context.Context) ([]location.Space, error)
	UpdateSpaceVerification(ctx context.Context, uuid string, verified bool, at time.Time) error
}

// Result pairs a space with its latest verification.
type Result struct {
	SpaceUUID string
	backend.Verification
}

// Verifier probes spaces through their backends and records the outcome.
// Recent outcomes are cached so status endpoints do not touch mounts.
type Verifier struct {
	store    Store
	registry *backend.Registry
	cache    *expirable.LRU[string, backend.Verification]
	logger   *slog.Logger
}

func NewVerifier(store Store, registry *backend.Registry, cacheTTL time.Duration, logger *slog.Logger) *Verifier {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &Verifier{
		store:    store,
		registry: registry,
		cache:    expirable.NewLRU[string, backend.Verification](1024, nil, cacheTTL),
		logger:   logger,
	}
}

// Save persists sp and verifies it.
func (v *Verifier) Save(ctx context.Context, sp location.Space) (backend.Verification, error) {
	if err := v.store.SaveSpace(ctx, sp); err != nil {
		return backend.Verification{}, err
	}
	return v.Verify(ctx, sp)
}

// Verify probes sp and, when the backend actually probed, records the result.
func (v *Verifier) Verify(ctx context.Context, sp location.Space) (backend.Verification, error) {
	b, err := v.registry.For(sp)
	if err != nil {
		return backend.Verification{}, err
	}
	res := b.Verify(ctx)
	if !res.Probed() {
		return res, nil
	}
	if err := v.store.UpdateSpaceVerification(ctx, sp.UUID, res.Verified, res.CheckedAt); err != nil {
		return res, fmt.Errorf("record verification for space %s: %w", sp.UUID, err)
	}
	v.cache.Add(sp.UUID, res)
	if !res.Verified {
		v.logger.Warn("space failed verification", "space", sp.UUID, "path", sp.Path, "protocol", sp.Protocol)
	}
	return res, nil
}

// VerifyAll verifies every space, continuing past individual failures.
func (v *Verifier) VerifyAll(ctx context.Context) ([]Result, error) {
	spaces, err := v.store.ListSpaces(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(spaces))
	for _, sp := range spaces {
		res, err := v.Verify(ctx, sp)
		if err != nil {
			v.logger.Error("space verification failed", "space", sp.UUID, "error", err)
		}
		out = append(out, Result{SpaceUUID: sp.UUID, Verification: res})
	}
	return out, nil
}

// MountAll mounts every space whose backend manages its own mount. A space
// that fails to mount is logged and left for verification to report.
func (v *Verifier) MountAll(ctx context.Context) error {
	return v.eachBackend(ctx, func(sp location.Space, b backend.Backend) {
		if err := b.Mount(ctx); err != nil {
			v.logger.Error("failed to mount space", "space", sp.UUID, "path", sp.Path, "error", err)
		}
	})
}

// UnmountAll releases mounts made by MountAll.
func (v *Verifier) UnmountAll(ctx context.Context) error {
	return v.eachBackend(ctx, func(sp location.Space, b backend.Backend) {
		if err := b.Unmount(ctx); err != nil {
			v.logger.Warn("failed to unmount space", "space", sp.UUID, "path", sp.Path, "error", err)
		}
	})
}

func (v *Verifier) eachBackend(ctx context.Context, fn func(location.Space, backend.Backend)) error {
	spaces, err := v.store.ListSpaces(ctx)
	if err != nil {
		return err
	}
	for _, sp := range spaces {
		b, err := v.registry.For(sp)
		if err != nil {
			v.logger.Error("no backend for space", "space", sp.UUID, "error", err)
			continue
		}
		fn(sp, b)
	}
	return nil
}

// Cached returns the last recorded verification for a space, if still fresh.
func (v *Verifier) Cached(uuid string) (backend.Verification, bool) {
	return v.cache.Get(uuid)
}

// Run re-verifies all spaces every interval until ctx is cancelled.
func (v *Verifier) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := v.VerifyAll(ctx); err != nil {
				v.logger.Error("periodic verification failed", "error", err)
			}
		}
	}
}
