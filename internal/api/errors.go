package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/depositd/internal/deposit"
	"github.com/mattjoyce/depositd/internal/sword"
)

const internalErrorMessage = "An internal error occurred: contact an administrator."

func statusForKind(k deposit.Kind) int {
	switch k {
	case deposit.KindNotFound:
		return http.StatusNotFound
	case deposit.KindConflict, deposit.KindAlreadySubmitted, deposit.KindChecksumMismatch,
		deposit.KindEmpty, deposit.KindBadRequest:
		return http.StatusBadRequest
	case deposit.KindPreconditionFailed:
		return http.StatusPreconditionFailed
	case deposit.KindDownloadInProgress:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeDepositError renders a lifecycle error as a SWORD error document.
func (s *Server) writeDepositError(w http.ResponseWriter, r *http.Request, err error) {
	var de *deposit.Error
	if !errors.As(err, &de) {
		s.logger.Error("request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
		s.writeSwordError(w, r, http.StatusInternalServerError, internalErrorMessage)
		return
	}
	status := statusForKind(de.Kind)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"kind", de.Kind.String(),
			"error", err,
		)
	}
	msg := de.Message
	if msg == "" {
		msg = internalErrorMessage
	}
	s.writeSwordError(w, r, status, msg)
}

func (s *Server) writeSwordError(w http.ResponseWriter, r *http.Request, status int, summary string) {
	doc := sword.NewErrorDocument(status, summary, r.UserAgent(), s.now())
	if err := sword.Write(w, status, sword.ContentTypeError, doc); err != nil {
		s.logger.Warn("failed to write error document", "error", err)
	}
}

// writeError writes a JSON error for the non-SWORD endpoints.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeSwordError(w, r, http.StatusNotFound, "The requested resource does not exist.")
}

func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	s.writeSwordError(w, r, http.StatusMethodNotAllowed, "This endpoint does not respond to the "+r.Method+" HTTP method.")
}
