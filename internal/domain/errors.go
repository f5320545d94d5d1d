package domain

import "errors"

// Sentinel errors shared across the session, anchor, and relay planes.
// Boundaries (HTTP handlers, the WebSocket relay) map these onto wire
// error codes; internal code matches them with errors.Is.
var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionFull      = errors.New("session full")
	ErrUserNotInSession = errors.New("user not in session")
	ErrCodeNotFound     = errors.New("share code not found")
	ErrAnchorNotFound   = errors.New("anchor not found")
	ErrAnchorLimit      = errors.New("session anchor limit exceeded")
	ErrAuthFailed       = errors.New("authentication failed")
	ErrPermissionDenied = errors.New("permission denied")
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrValidation       = errors.New("validation failed")
	ErrPersistence      = errors.New("persistence error")
)

// Error codes surfaced to clients in error frames and HTTP bodies.
const (
	CodeInvalidJSON         = "INVALID_JSON"
	CodeValidationError     = "VALIDATION_ERROR"
	CodeRateLimitExceeded   = "RATE_LIMIT_EXCEEDED"
	CodeAuthFailed          = "AUTH_FAILED"
	CodePermissionDenied    = "PERMISSION_DENIED"
	CodeSessionNotFound     = "SESSION_NOT_FOUND"
	CodeSessionFull         = "SESSION_FULL"
	CodeAnchorNotFound      = "ANCHOR_NOT_FOUND"
	CodeAnchorLimitExceeded = "ANCHOR_LIMIT_EXCEEDED"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodePersistenceError    = "PERSISTENCE_ERROR"
	CodeInternal            = "INTERNAL"
)

// CodeForError maps a sentinel error to its client-visible code.
func CodeForError(err error) string {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return CodeSessionNotFound
	case errors.Is(err, ErrSessionFull):
		return CodeSessionFull
	case errors.Is(err, ErrUserNotInSession):
		return CodeSessionNotFound
	case errors.Is(err, ErrCodeNotFound):
		return CodeSessionNotFound
	case errors.Is(err, ErrAnchorNotFound):
		return CodeAnchorNotFound
	case errors.Is(err, ErrAnchorLimit):
		return CodeAnchorLimitExceeded
	case errors.Is(err, ErrAuthFailed):
		return CodeAuthFailed
	case errors.Is(err, ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimitExceeded
	case errors.Is(err, ErrValidation):
		return CodeValidationError
	case errors.Is(err, ErrPersistence):
		return CodePersistenceError
	default:
		return CodeInternal
	}
}
