package types

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants. Handlers and services use these constants
// instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationMissingField  ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidJSON   ErrorCode = "validation_invalid_json"
	ErrCodeValidationInvalidStatus ErrorCode = "validation_invalid_status"
	ErrCodeValidationInvalidUser   ErrorCode = "validation_invalid_user"

	// Auth (401)
	ErrCodeAuthKeyMissing ErrorCode = "auth_device_key_missing"
	ErrCodeAuthKeyInvalid ErrorCode = "auth_device_key_invalid"

	// Defined negative results (403)
	ErrCodeQuotaExhausted ErrorCode = "quota_exhausted"

	// Not Found (404)
	ErrCodeNotFoundUsage  ErrorCode = "not_found_usage_record"
	ErrCodeNotFoundDevice ErrorCode = "not_found_device"

	// Conflict (409)
	ErrCodeConflictStaleEvent ErrorCode = "conflict_stale_sync_event"

	// Engine failures that never block user-facing actions
	ErrCodeSourceUnavailable  ErrorCode = "authoritative_source_unavailable"
	ErrCodePersistenceFailure ErrorCode = "persistence_failure"
	ErrCodeSyncRejected       ErrorCode = "sync_rejected"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB          ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected  ErrorCode = "internal_unexpected_error"
	ErrCodeUpstreamStore       ErrorCode = "upstream_purchase_store_unavailable"
	ErrCodeUpstreamLedger      ErrorCode = "upstream_usage_ledger_unavailable"
	ErrCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited ErrorCode = "upstream_rate_limited"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized
	case c == ErrCodeQuotaExhausted:
		return http.StatusForbidden
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict
	case c == ErrCodeSourceUnavailable, c == ErrCodeSyncRejected:
		return http.StatusBadGateway
	case c == ErrCodeUpstreamRateLimited:
		return http.StatusTooManyRequests
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AppError is the standard application error type. All domain and handler
// errors are expressed as AppError to enable consistent formatting, HTTP
// status mapping, and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// NewAppError creates a new AppError with the given code, message, and
// optional underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// NewAppErrorWithDetails creates a new AppError carrying structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{Code: code, Message: message, Err: err, Details: details}
}
