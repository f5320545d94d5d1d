package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/oriys/parallax/internal/domain"
	"github.com/oriys/parallax/internal/logging"
)

// errorBody is the error envelope: {"error": {code, message, timestamp}}.
type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Op().Debug("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]errorBody{"error": {
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	}})
}

// respondError maps a sentinel error onto its HTTP status and wire code.
// Server-side failures surface with fixed text; validation and lookup
// errors carry their own message since the caller can act on it.
func respondError(w http.ResponseWriter, err error) {
	code := domain.CodeForError(err)
	message := err.Error()
	switch code {
	case domain.CodePersistenceError:
		message = "persistence unavailable"
	case domain.CodeInternal:
		message = "internal error"
	}
	writeError(w, statusFor(err), code, message)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAuthFailed):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrCodeNotFound),
		errors.Is(err, domain.ErrUserNotInSession),
		errors.Is(err, domain.ErrAnchorNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrSessionFull),
		errors.Is(err, domain.ErrAnchorLimit):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// decodebody decodes a JSON request body into dst, tolerating an empty
// body when optional is set so POSTs with all-default fields work.
func decodeBody(r *http.Request, dst any, optional bool) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil {
		return nil
	}
	if optional && errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
