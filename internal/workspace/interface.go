package workspace

import (
	"context"
	"time"
)

// Workspace is a scratch directory owned by one unit of work: a download
// batch or an upload being spooled.
type Workspace struct {
	ID  string
	Dir string
}

// CleanupReport summarizes a cleanup run.
type CleanupReport struct {
	DeletedDirs int
}

// Manager governs scratch directory lifecycle.
type Manager interface {
	// Create initializes a new workspace for id.
	Create(ctx context.Context, id string) (Workspace, error)

	// Remove deletes the workspace for id. Removing a missing workspace is not an error.
	Remove(ctx context.Context, id string) error

	// Cleanup removes stale workspaces older than olderThan.
	Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error)
}
