package types

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeValidationMissingField, http.StatusBadRequest},
		{ErrCodeValidationInvalidJSON, http.StatusBadRequest},
		{ErrCodeAuthKeyInvalid, http.StatusUnauthorized},
		{ErrCodeQuotaExhausted, http.StatusForbidden},
		{ErrCodeNotFoundUsage, http.StatusNotFound},
		{ErrCodeConflictStaleEvent, http.StatusConflict},
		{ErrCodeSourceUnavailable, http.StatusBadGateway},
		{ErrCodeUpstreamRateLimited, http.StatusTooManyRequests},
		{ErrCodeUpstreamLedger, http.StatusBadGateway},
		{ErrCodeInternalDB, http.StatusInternalServerError},
		{ErrorCode("made_up_code"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		if got := tc.code.HTTPStatus(); got != tc.want {
			t.Errorf("%s: HTTPStatus() = %d, want %d", tc.code, got, tc.want)
		}
	}
}

func TestAppErrorUnwrap(t *testing.T) {
	inner := errors.New("disk full")
	appErr := NewAppError(ErrCodePersistenceFailure, "save failed", inner)

	if !errors.Is(appErr, inner) {
		t.Error("errors.Is did not find the wrapped error")
	}

	var target *AppError
	wrapped := fmt.Errorf("context: %w", appErr)
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As did not find the AppError in the chain")
	}
	if target.Code != ErrCodePersistenceFailure {
		t.Errorf("Code = %s, want %s", target.Code, ErrCodePersistenceFailure)
	}
}

func TestAppErrorMessageFormat(t *testing.T) {
	err := NewAppError(ErrCodeSyncRejected, "ledger said no", nil)
	want := "sync_rejected: ledger said no"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
