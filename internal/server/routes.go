// Package server provides HTTP route handlers.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/codequest/exercise-agent/internal/apperr"
)

// handleHealth handles the health check endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"version":      Version,
		"claudeInPath": s.supervisor.ClaudeInPath(),
	})
}

// handleListEvents returns recent lifecycle events, newest first.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeAppError(w, apperr.New(apperr.CodeInvalidRequest, "limit must be an integer"))
			return
		}
		limit = n
	}

	events, err := s.store.Recent(limit)
	if err != nil {
		slog.Error("Failed to read events", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read events")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
	})
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes a plain JSON error for failures outside the taxonomy.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{"message": message},
	})
}

// writeAppError serializes a tagged error with its mapped HTTP status. The
// body shape matches the WebSocket error frame payload.
func writeAppError(w http.ResponseWriter, e *apperr.Error) {
	writeJSON(w, e.HTTPStatus(), map[string]interface{}{
		"error": e,
	})
}
