// Package backend implements the physical storage contract of a Space. Each
// access protocol has one Backend type, chosen through a Registry keyed by the
// space's protocol tag.
package backend

import (
	"context"
	"fmt"
	"time"
)

// Verification is the outcome of probing a space's mount path. A zero
// CheckedAt means the backend did not probe anything.
type Verification struct {
	Verified  bool
	CheckedAt time.Time
}

// Probed reports whether the backend actually inspected the mount.
func (v Verification) Probed() bool {
	return !v.CheckedAt.IsZero()
}

// Source describes a file to be stored: its identifier, where its bytes
// currently are, and the full path of the location that will own it.
type Source struct {
	UUID         string
	SourcePath   string
	LocationPath string
}

// Stored reports where a file landed and its fixity digest.
type Stored struct {
	Path     string
	Checksum string
	Size     int64
}

// Backend is the per-protocol storage contract.
type Backend interface {
	// Verify probes the mount. It never fails; a down mount reports Verified=false.
	Verify(ctx context.Context) Verification
	// StoreFile copies src under src.LocationPath, sharded by src.UUID, at destRel.
	StoreFile(ctx context.Context, src Source, destRel string) (*Stored, error)
	Mount(ctx context.Context) error
	Unmount(ctx context.Context) error
}

// StorageErrorKind classifies StoreFile failures.
type StorageErrorKind int

const (
	ErrTransfer StorageErrorKind = iota + 1
	ErrDirectoryCreate
)

func (k StorageErrorKind) String() string {
	switch k {
	case ErrTransfer:
		return "transfer"
	case ErrDirectoryCreate:
		return "directory create"
	default:
		return "unknown"
	}
}

// StorageError is returned by StoreFile.
type StorageError struct {
	Kind StorageErrorKind
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed for %s: %v", e.Kind, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
