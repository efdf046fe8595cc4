package space

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/mattjoyce/depositd/internal/backend"
	"github.com/mattjoyce/depositd/internal/location"
)

// ErrInvalidRequest marks a StoreRequest the caller must fix.
var ErrInvalidRequest = errors.New("invalid store request")

// FileStore is the persistence FileService needs.
type FileStore interface {
	GetSpace(ctx context.Context, uuid string) (*location.Space, error)
	GetLocation(ctx context.Context, uuid string) (*location.Location, error)
	CreateFile(ctx context.Context, f location.File) error
	MarkFileStored(ctx context.Context, uuid, checksum string, size int64) error
	GetFile(ctx context.Context, uuid string) (*location.File, error)
}

// StoreRequest describes a package to place into an AIP storage location.
type StoreRequest struct {
	UUID            string
	OriginLocation  string
	OriginPath      string
	CurrentLocation string
	CurrentPath     string
	PackageType     location.PackageType
}

// FileService records files and stores them through their space's backend.
type FileService struct {
	store    FileStore
	registry *backend.Registry
	logger   *slog.Logger
}

func NewFileService(store FileStore, registry *backend.Registry, logger *slog.Logger) *FileService {
	return &FileService{store: store, registry: registry, logger: logger}
}

// Store creates the file row, copies the bytes into place and marks the file uploaded.
func (s *FileService) Store(ctx context.Context, req StoreRequest) (*location.File, error) {
	if req.UUID == "" {
		req.UUID = uuid.NewString()
	}
	if !req.PackageType.Valid() {
		return nil, fmt.Errorf("unknown package type %q: %w", req.PackageType, ErrInvalidRequest)
	}
	if req.CurrentPath == "" {
		return nil, fmt.Errorf("current path is required: %w", ErrInvalidRequest)
	}

	srcPath, err := s.originPath(ctx, req)
	if err != nil {
		return nil, err
	}

	dstLoc, err := s.store.GetLocation(ctx, req.CurrentLocation)
	if err != nil {
		return nil, err
	}
	if dstLoc.Purpose != location.PurposeAIPStorage {
		return nil, fmt.Errorf("location %s is not an AIP storage location: %w", dstLoc.UUID, ErrInvalidRequest)
	}
	dstSpace, err := s.store.GetSpace(ctx, dstLoc.SpaceUUID)
	if err != nil {
		return nil, err
	}
	b, err := s.registry.For(*dstSpace)
	if err != nil {
		return nil, err
	}

	f := location.File{
		UUID:            req.UUID,
		OriginLocation:  req.OriginLocation,
		OriginPath:      req.OriginPath,
		CurrentLocation: dstLoc.UUID,
		CurrentPath:     req.CurrentPath,
		PackageType:     req.PackageType,
	}
	if err := s.store.CreateFile(ctx, f); err != nil {
		return nil, err
	}

	stored, err := b.StoreFile(ctx, backend.Source{
		UUID:         f.UUID,
		SourcePath:   srcPath,
		LocationPath: location.FullPath(*dstSpace, *dstLoc),
	}, req.CurrentPath)
	if err != nil {
		return nil, err
	}
	if err := s.store.MarkFileStored(ctx, f.UUID, stored.Checksum, stored.Size); err != nil {
		return nil, err
	}
	s.logger.Info("file stored", "file", f.UUID, "path", stored.Path, "size", stored.Size)
	return s.store.GetFile(ctx, f.UUID)
}

func (s *FileService) originPath(ctx context.Context, req StoreRequest) (string, error) {
	if req.OriginLocation == "" {
		if !filepath.IsAbs(req.OriginPath) {
			return "", fmt.Errorf("origin path %q must be absolute without an origin location: %w", req.OriginPath, ErrInvalidRequest)
		}
		return req.OriginPath, nil
	}
	loc, err := s.store.GetLocation(ctx, req.OriginLocation)
	if err != nil {
		return "", err
	}
	sp, err := s.store.GetSpace(ctx, loc.SpaceUUID)
	if err != nil {
		return "", err
	}
	return filepath.Join(location.FullPath(*sp, *loc), req.OriginPath), nil
}
