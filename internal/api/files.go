package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/depositd/internal/location"
	"github.com/mattjoyce/depositd/internal/space"
)

// handleStoreFile handles POST /api/v1/file/: it places a package into an
// AIP storage location through its space's backend.
func (s *Server) handleStoreFile(w http.ResponseWriter, r *http.Request) {
	var req StoreFileRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	f, err := s.files.Store(r.Context(), space.StoreRequest{
		UUID:            req.UUID,
		OriginLocation:  req.OriginLocation,
		OriginPath:      req.OriginPath,
		CurrentLocation: req.CurrentLocation,
		CurrentPath:     req.CurrentPath,
		PackageType:     location.PackageType(req.PackageType),
	})
	switch {
	case errors.Is(err, space.ErrInvalidRequest):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, location.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		s.logger.Error("store file failed", "request_id", middleware.GetReqID(r.Context()), "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusCreated, FileResponse{
		UUID:            f.UUID,
		CurrentLocation: f.CurrentLocation,
		CurrentPath:     f.CurrentPath,
		Size:            f.Size,
		PackageType:     string(f.PackageType),
		Uploaded:        f.Uploaded,
		Checksum:        f.Checksum,
		CreatedAt:       f.CreatedAt,
	})
}
