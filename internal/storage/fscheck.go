package storage

import (
	"fmt"

	"github.com/mattjoyce/depositd/internal/fsinfo"
)

// validateSQLiteFilesystem ensures the DB path is on a local filesystem.
func validateSQLiteFilesystem(path string) error {
	return validateSQLiteFilesystemWithDetector(path, fsinfo.Detect)
}

func validateSQLiteFilesystemWithDetector(path string, detect func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("sqlite path is empty")
	}

	fsType, err := detect(path)
	if err != nil {
		return err
	}

	if fsinfo.IsNetwork(fsType) {
		return fmt.Errorf(
			"database path %q is on network filesystem %q; SQLite requires a local filesystem for reliable locking. Set state.path to a file on local disk",
			path,
			fsType,
		)
	}

	return nil
}
