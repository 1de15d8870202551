package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"clipvault/internal/snippet"
)

// apiError is the JSON shape of every error response.
type apiError struct {
	Timestamp time.Time      `json:"timestamp"`
	Status    int            `json:"status"`
	Error     string         `json:"error"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an apiError response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeErrorDetails(w, status, message, nil)
}

// writeErrorDetails writes an apiError response with a details payload.
func writeErrorDetails(w http.ResponseWriter, status int, message string, details map[string]any) {
	writeJSON(w, status, apiError{
		Timestamp: time.Now().UTC(),
		Status:    status,
		Error:     http.StatusText(status),
		Message:   message,
		Details:   details,
	})
}

// writeServiceError maps a snippet service error onto an HTTP response.
// Validation and policy failures surface with their own message; anything
// unclassified is logged and reported as a plain 500 so internals stay
// out of responses.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var quota *snippet.QuotaError
	var words *snippet.WordLimitError
	switch {
	case errors.As(err, &quota):
		writeErrorDetails(w, http.StatusBadRequest, quota.Error(), map[string]any{
			"current": quota.Current,
			"max":     quota.Max,
		})
	case errors.As(err, &words):
		writeError(w, http.StatusBadRequest, words.Error())
	case errors.Is(err, snippet.ErrEmptyContent),
		errors.Is(err, snippet.ErrContentTooLarge),
		errors.Is(err, snippet.ErrSourceURLTooLong),
		errors.Is(err, snippet.ErrEmptyQuery):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, snippet.ErrDuplicate):
		writeError(w, http.StatusConflict, snippet.ErrDuplicate.Error())
	case errors.Is(err, snippet.ErrNotFound), errors.Is(err, snippet.ErrNotReady):
		// Not-ready collapses into not-found at the edge. The id is
		// already known to the caller; it shows up once persisted.
		writeError(w, http.StatusNotFound, snippet.ErrNotFound.Error())
	case errors.Is(err, snippet.ErrBusy):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, snippet.ErrBusy.Error())
	default:
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", requestIDFrom(r.Context()),
			"error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
