package location

import (
	"context"
	"errors"
	"fmt"
)

// Resolver maps logical locations to absolute paths and answers the
// pipeline-scoped lookups used during deposit finalization.
type Resolver struct {
	store *Store
}

func NewResolver(store *Store) *Resolver {
	return &Resolver{store: store}
}

// LocationPath loads a location with its space and returns its full path.
func (r *Resolver) LocationPath(ctx context.Context, locationUUID string) (string, *Location, *Space, error) {
	loc, err := r.store.GetLocation(ctx, locationUUID)
	if err != nil {
		return "", nil, nil, err
	}
	space, err := r.store.GetSpace(ctx, loc.SpaceUUID)
	if err != nil {
		return "", nil, nil, err
	}
	return FullPath(*space, *loc), loc, space, nil
}

// ProcessingLocation returns the single currently-processing location of a
// pipeline and its full path.
func (r *Resolver) ProcessingLocation(ctx context.Context, pipelineUUID string) (*Location, string, error) {
	locs, err := r.store.PipelineLocations(ctx, pipelineUUID, PurposeCurrentlyProcessing)
	if err != nil {
		return nil, "", err
	}
	switch len(locs) {
	case 0:
		return nil, "", fmt.Errorf("pipeline %s has no currently processing location: %w", pipelineUUID, ErrMisconfigured)
	case 1:
	default:
		return nil, "", fmt.Errorf("pipeline %s has %d currently processing locations: %w", pipelineUUID, len(locs), ErrMisconfigured)
	}

	space, err := r.store.GetSpace(ctx, locs[0].SpaceUUID)
	if err != nil {
		return nil, "", err
	}
	return &locs[0], FullPath(*space, locs[0]), nil
}

// SpaceForPipeline returns the space of the first sword server bound to a pipeline.
func (r *Resolver) SpaceForPipeline(ctx context.Context, pipelineUUID string) (*Space, error) {
	w, err := r.store.FirstSwordServerForPipeline(ctx, pipelineUUID)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("pipeline %s has no sword server: %w", pipelineUUID, ErrMisconfigured)
	}
	if err != nil {
		return nil, err
	}
	return r.store.GetSpace(ctx, w.SpaceUUID)
}

// PipelineForSpace returns the pipeline a SWORD space hands deposits to.
func (r *Resolver) PipelineForSpace(ctx context.Context, spaceUUID string) (*Pipeline, error) {
	w, err := r.store.SwordServerForSpace(ctx, spaceUUID)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("space %s has no sword server: %w", spaceUUID, ErrMisconfigured)
	}
	if err != nil {
		return nil, err
	}
	p, err := r.store.GetPipeline(ctx, w.PipelineUUID)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("sword server %s points at missing pipeline: %w", w.UUID, ErrMisconfigured)
	}
	return p, err
}
