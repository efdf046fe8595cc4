package location

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a space, location, pipeline or file row is absent.
	ErrNotFound = errors.New("not found")
	// ErrMisconfigured marks inventory that cannot serve the requested lookup.
	ErrMisconfigured = errors.New("storage inventory misconfigured")
)

// Protocol tags the physical access method of a Space.
type Protocol string

const (
	ProtocolLocal Protocol = "FS"
	ProtocolNFS   Protocol = "NFS"
)

// Purpose tags what a Location is used for.
type Purpose string

const (
	PurposeTransferSource      Purpose = "TS"
	PurposeAIPStorage          Purpose = "AS"
	PurposeCurrentlyProcessing Purpose = "CP"
	PurposeSwordDeposit        Purpose = "SD"
)

// PackageType tags what a stored File contains.
type PackageType string

const (
	PackageAIP      PackageType = "AIP"
	PackageSIP      PackageType = "SIP"
	PackageDIP      PackageType = "DIP"
	PackageTransfer PackageType = "transfer"
	PackageFile     PackageType = "file"
)

// Valid reports whether t is a known package type.
func (t PackageType) Valid() bool {
	switch t {
	case PackageAIP, PackageSIP, PackageDIP, PackageTransfer, PackageFile:
		return true
	}
	return false
}

// NFSDetails is the protocol extension of an NFS Space.
type NFSDetails struct {
	RemoteName      string
	RemotePath      string
	Version         string
	ManuallyMounted bool
}

// Space is a physical storage root.
type Space struct {
	UUID         string
	Protocol     Protocol
	Path         string
	Size         *int64
	Used         int64
	Verified     bool
	LastVerified *time.Time
	NFS          *NFSDetails
	CreatedAt    time.Time
}

// Validate checks the invariants a Space must hold before it is saved.
func (s Space) Validate() error {
	if s.UUID == "" {
		return fmt.Errorf("space uuid is empty")
	}
	if !strings.HasPrefix(s.Path, "/") {
		return fmt.Errorf("space %s: path %q must be absolute", s.UUID, s.Path)
	}
	switch s.Protocol {
	case ProtocolLocal:
		if s.NFS != nil {
			return fmt.Errorf("space %s: local filesystem space carries NFS details", s.UUID)
		}
	case ProtocolNFS:
		if s.NFS == nil {
			return fmt.Errorf("space %s: NFS space requires remote details", s.UUID)
		}
		if s.NFS.RemoteName == "" || s.NFS.RemotePath == "" {
			return fmt.Errorf("space %s: NFS remote name and path are required", s.UUID)
		}
	default:
		return fmt.Errorf("space %s: unknown access protocol %q", s.UUID, s.Protocol)
	}
	return nil
}

// Location is a named subtree of a Space.
type Location struct {
	UUID         string
	SpaceUUID    string
	Purpose      Purpose
	RelativePath string
	Description  string
	Quota        *int64
	Used         int64
	Disabled     bool
}

// FullPath joins the owning space's path with the location's relative path.
func FullPath(space Space, loc Location) string {
	return filepath.Join(space.Path, loc.RelativePath)
}

// Pipeline is a remote processing system that approves transfers.
type Pipeline struct {
	UUID        string
	Description string
	RemoteName  string
	APIUsername string
	APIKey      string
	Enabled     bool
}

// SwordServer links a SWORD-capable Space to its Pipeline.
type SwordServer struct {
	UUID         string
	SpaceUUID    string
	PipelineUUID string
}

// File is a stored object owned by its current Location.
type File struct {
	UUID            string
	OriginLocation  string
	OriginPath      string
	CurrentLocation string
	CurrentPath     string
	Size            int64
	PackageType     PackageType
	Uploaded        bool
	Checksum        string
	CreatedAt       time.Time
}
