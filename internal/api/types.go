package api

import (
	"time"
)

// ErrorResponse is returned by the JSON endpoints on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string        `json:"status"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	Spaces        []SpaceHealth `json:"spaces"`
}

// SpaceHealth is the cached verification of one space. Verified is nil when
// the space has not been probed recently.
type SpaceHealth struct {
	UUID      string     `json:"uuid"`
	Protocol  string     `json:"access_protocol"`
	Path      string     `json:"path"`
	Verified  *bool      `json:"verified"`
	CheckedAt *time.Time `json:"checked_at,omitempty"`
}

// StoreFileRequest is the JSON body for POST /api/v1/file/.
type StoreFileRequest struct {
	UUID            string `json:"uuid,omitempty"`
	OriginLocation  string `json:"origin_location,omitempty"`
	OriginPath      string `json:"origin_path"`
	CurrentLocation string `json:"current_location"`
	CurrentPath     string `json:"current_path"`
	PackageType     string `json:"package_type"`
}

// FileResponse describes a stored file.
type FileResponse struct {
	UUID            string    `json:"uuid"`
	CurrentLocation string    `json:"current_location"`
	CurrentPath     string    `json:"current_path"`
	Size            int64     `json:"size"`
	PackageType     string    `json:"package_type"`
	Uploaded        bool      `json:"uploaded"`
	Checksum        string    `json:"checksum,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}
