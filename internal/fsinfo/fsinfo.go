// Package fsinfo reports which kind of filesystem backs a path. The database
// layer uses it to refuse network mounts and the NFS backend uses it to confirm
// that a mounted space really is NFS.
package fsinfo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var networkFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"nfs4":   {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

// Detector returns a filesystem type name for an existing path.
type Detector func(path string) (string, error)

// Detect inspects the nearest existing ancestor of path (path itself when it
// exists) and returns the filesystem type name.
func Detect(path string) (string, error) {
	return DetectWith(path, detectType)
}

// DetectWith is Detect with an injectable detector.
func DetectWith(path string, detector Detector) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is empty")
	}
	inspectPath, err := NearestExistingPath(path)
	if err != nil {
		return "", fmt.Errorf("resolve path %q: %w", path, err)
	}
	fsType, err := detector(inspectPath)
	if err != nil {
		return "", fmt.Errorf("detect filesystem for %q: %w", inspectPath, err)
	}
	return fsType, nil
}

// NearestExistingPath walks up from path until it finds an entry that exists.
func NearestExistingPath(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	candidate := absPath
	for {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}

		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", absPath)
		}
		candidate = parent
	}
}

// IsNetwork reports whether fsType names a network filesystem.
func IsNetwork(fsType string) bool {
	_, found := networkFilesystems[normalize(fsType)]
	return found
}

// IsNFS reports whether fsType names an NFS mount.
func IsNFS(fsType string) bool {
	return strings.HasPrefix(normalize(fsType), "nfs")
}

func normalize(fsType string) string {
	return strings.TrimSpace(strings.ToLower(fsType))
}
