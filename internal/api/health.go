package api

import (
	"net/http"
	"time"
)

// handleHealthz handles GET /healthz. Spaces whose last verification failed
// turn the status to degraded; the check never probes mounts itself.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	spaces, err := s.spaces.ListSpaces(r.Context())
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "inventory unavailable")
		return
	}

	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Spaces:        make([]SpaceHealth, 0, len(spaces)),
	}
	for _, sp := range spaces {
		h := SpaceHealth{UUID: sp.UUID, Protocol: string(sp.Protocol), Path: sp.Path}
		if s.verifier != nil {
			if v, ok := s.verifier.Cached(sp.UUID); ok {
				verified := v.Verified
				h.Verified = &verified
				if v.Probed() {
					at := v.CheckedAt
					h.CheckedAt = &at
				}
				if !verified {
					resp.Status = "degraded"
				}
			}
		}
		resp.Spaces = append(resp.Spaces, h)
	}
	s.writeJSON(w, http.StatusOK, resp)
}
