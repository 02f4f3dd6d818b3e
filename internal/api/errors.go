// Package api provides HTTP API utilities including standardized error handling.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/onnwee/subcults/internal/middleware"
)

// Common error codes used throughout the API.
const (
	// ErrCodeValidation indicates input validation failure.
	ErrCodeValidation = "validation_error"

	// ErrCodeAuthFailed indicates authentication failure.
	ErrCodeAuthFailed = "auth_failed"

	// ErrCodeTokenExpired indicates a structurally valid token whose exp
	// claim has passed, distinct from ErrCodeAuthFailed so clients can
	// prompt for re-auth instead of treating it as a hard rejection.
	ErrCodeTokenExpired = "token_expired"

	// ErrCodeNotFound indicates the requested resource was not found.
	ErrCodeNotFound = "not_found"

	// ErrCodeRateLimited indicates rate limit exceeded.
	ErrCodeRateLimited = "rate_limited"

	// ErrCodeInternal indicates an internal server error.
	ErrCodeInternal = "internal_error"

	// ErrCodeForbidden indicates the request is forbidden.
	ErrCodeForbidden = "forbidden"

	// ErrCodeConflict indicates a conflict with the current state.
	ErrCodeConflict = "conflict"

	// ErrCodeBadRequest indicates a malformed request.
	ErrCodeBadRequest = "bad_request"

	// ErrCodeSessionNotFound indicates the session does not exist.
	ErrCodeSessionNotFound = "session_not_found"

	// ErrCodeSessionExpired indicates the session's TTL has elapsed.
	ErrCodeSessionExpired = "session_expired"

	// ErrCodeSessionInactive indicates the session was ended (by its creator
	// or by the auto-expiry sweep), or, on the stream endpoint, that the
	// participant is no longer active in it.
	ErrCodeSessionInactive = "session_inactive"

	// ErrCodeCapacityExceeded indicates the session is at its participant cap.
	ErrCodeCapacityExceeded = "capacity_exceeded"

	// ErrCodeInvalidDisplayName indicates a malformed or oversized display name.
	ErrCodeInvalidDisplayName = "invalid_display_name"

	// ErrCodeInvalidAvatarColor indicates a non-hex or unrecognized avatar color.
	ErrCodeInvalidAvatarColor = "invalid_avatar_color"

	// ErrCodeParticipantNotFound indicates the participant is not enrolled in the session.
	ErrCodeParticipantNotFound = "participant_not_found"

	// ErrCodeInvalidTTL indicates expires_in_minutes is out of the allowed range.
	ErrCodeInvalidTTL = "invalid_ttl"
)

// ErrorResponse represents the standard error response format.
// All API errors return JSON in this structure: {"error": {"code": "...", "message": "..."}}
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes the standard JSON error body
// {"error":{"code":...,"message":...}} with the given status.
//
// Callers should SetErrorCode on the context first and pass the updated
// context here, so the logging middleware picks the code up for the request
// log line:
//
//	ctx := middleware.SetErrorCode(r.Context(), api.ErrCodeSessionNotFound)
//	api.WriteError(w, ctx, http.StatusNotFound, api.ErrCodeSessionNotFound, "session not found")
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	middleware.UpdateResponseContext(w, ctx)

	errResp := ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	}

	data, err := json.Marshal(errResp)
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal error response", "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write error response", "error", err)
	}
}

// StatusCodeMapping returns the recommended HTTP status code for common error codes.
// This is a convenience function to map error codes to HTTP status codes.
func StatusCodeMapping(code string) int {
	switch code {
	case ErrCodeValidation, ErrCodeInvalidDisplayName, ErrCodeInvalidAvatarColor, ErrCodeInvalidTTL:
		return http.StatusBadRequest
	case ErrCodeAuthFailed, ErrCodeTokenExpired:
		return http.StatusUnauthorized
	case ErrCodeNotFound, ErrCodeSessionNotFound, ErrCodeParticipantNotFound:
		return http.StatusNotFound
	case ErrCodeSessionExpired, ErrCodeSessionInactive:
		return http.StatusGone
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeConflict, ErrCodeCapacityExceeded:
		return http.StatusConflict
	case ErrCodeBadRequest:
		return http.StatusBadRequest
	case ErrCodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
