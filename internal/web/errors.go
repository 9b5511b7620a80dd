package web

// errors.go maps service errors onto HTTP responses. Known sentinel
// errors carry their own status codes and safe messages; anything else is
// logged in full and returned to the client as a generic 500.

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/openrates/geostage/internal/analysis"
	"github.com/openrates/geostage/internal/archive"
	"github.com/openrates/geostage/internal/logging"
	"github.com/openrates/geostage/internal/pipeline"
)

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusFor maps known sentinel errors to status codes and stable codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, pipeline.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, pipeline.ErrStaleVersion):
		return http.StatusConflict, "STALE_VERSION"
	case errors.Is(err, pipeline.ErrTerminalState):
		return http.StatusConflict, "TERMINAL_STATE"
	case errors.Is(err, pipeline.ErrNotAuthorized):
		return http.StatusForbidden, "NOT_AUTHORIZED"
	case errors.Is(err, analysis.ErrTooManyAnalyses):
		return http.StatusTooManyRequests, "TOO_MANY_ANALYSES"
	case errors.Is(err, archive.ErrMalformedArchive):
		return http.StatusUnprocessableEntity, "MALFORMED_ARCHIVE"
	case errors.Is(err, archive.ErrArchiveUnreadable):
		return http.StatusUnprocessableEntity, "ARCHIVE_UNREADABLE"
	case errors.Is(err, analysis.ErrMalformedXML):
		return http.StatusUnprocessableEntity, "MALFORMED_XML"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

// respondError logs the technical error and writes the JSON envelope.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)

	logger := logging.FromContext(r.Context())
	logger.Error("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"code", code,
		"error", err.Error(),
		"request_id", middleware.GetReqID(r.Context()),
	)

	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal server error"
	}
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "5")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message, Code: code})
}

// respondBadRequest reports a malformed request without logging at error
// level.
func respondBadRequest(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message, Code: "BAD_REQUEST"})
}

// respondJSON encodes v with the given status.
func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are already sent; nothing to do but note it.
		slog.Error("json encode error", "error", err.Error())
	}
}
