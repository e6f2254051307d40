// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/bureau-foundation/mxsession/lib/netutil"
)

// MatrixError represents a structured error response from the Matrix homeserver.
// Callers can use errors.As to extract the structured information:
//
//	var matrixErr *MatrixError
//	if errors.As(err, &matrixErr) {
//	    if matrixErr.Code == ErrCodeNotFound { ... }
//	}
//
// A server that answers with a non-JSON body (a reverse proxy's 502
// page, for example) still produces a MatrixError: Code is empty and
// Message holds the start of the body.
type MatrixError struct {
	// Code is the Matrix error code (e.g., "M_FORBIDDEN", "M_UNKNOWN_TOKEN").
	Code string `json:"errcode"`
	// Message is the human-readable error description from the server.
	Message string `json:"error"`
	// SoftLogout is set on M_UNKNOWN_TOKEN when the server expects the
	// client to refresh rather than discard the session.
	SoftLogout bool `json:"soft_logout,omitempty"`
	// RetryAfterMS is the server's suggested wait on M_LIMIT_EXCEEDED.
	RetryAfterMS int64 `json:"retry_after_ms,omitempty"`
	// StatusCode is the HTTP status code of the response.
	StatusCode int `json:"-"`
}

func (e *MatrixError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("matrix: HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("matrix: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Standard Matrix error codes.
const (
	ErrCodeForbidden            = "M_FORBIDDEN"
	ErrCodeUnknownToken         = "M_UNKNOWN_TOKEN"
	ErrCodeMissingToken         = "M_MISSING_TOKEN"
	ErrCodeNotFound             = "M_NOT_FOUND"
	ErrCodeLimitExceeded        = "M_LIMIT_EXCEEDED"
	ErrCodeUnrecognized         = "M_UNRECOGNIZED"
	ErrCodeUnknown              = "M_UNKNOWN"
	ErrCodeInvalidParam         = "M_INVALID_PARAM"
	ErrCodeMissingParam         = "M_MISSING_PARAM"
	ErrCodeBadJSON              = "M_BAD_JSON"
	ErrCodeWrongRoomKeysVersion = "M_WRONG_ROOM_KEYS_VERSION"
	ErrCodeUserDeactivated      = "M_USER_DEACTIVATED"
)

// IsMatrixError checks whether err is a *MatrixError with the given error code.
func IsMatrixError(err error, code string) bool {
	var matrixErr *MatrixError
	if errors.As(err, &matrixErr) {
		return matrixErr.Code == code
	}
	return false
}

// StatusCode returns the HTTP status of the *MatrixError wrapped in err,
// or 0 if err does not wrap one.
func StatusCode(err error) int {
	var matrixErr *MatrixError
	if errors.As(err, &matrixErr) {
		return matrixErr.StatusCode
	}
	return 0
}

// IsTransient reports whether err is likely transient and worth
// retrying: a network failure before any response arrived, HTTP 429
// (rate limit), or HTTP 5xx. Client errors (4xx except 429), including
// M_UNKNOWN_TOKEN, are permanent. A cancelled context is not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var matrixErr *MatrixError
	if errors.As(err, &matrixErr) {
		if matrixErr.StatusCode == http.StatusTooManyRequests {
			return true
		}
		return matrixErr.StatusCode >= http.StatusInternalServerError
	}

	return netutil.IsNetworkError(err)
}
