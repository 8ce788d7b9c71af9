package authgate

import (
	"fmt"
	"net/http"
)

// Error codes surfaced in JSON error responses.
const (
	ErrorCodeInvalidRequest     = "invalid_request"
	ErrorCodeInvalidCredentials = "invalid_credentials"
	ErrorCodeInvalidGrant       = "invalid_grant"
	ErrorCodePayloadTooLarge    = "payload_too_large"
	ErrorCodeRateLimitExceeded  = "rate_limit_exceeded"
	ErrorCodeNotFound           = "not_found"
	ErrorCodeNotImplemented     = "not_implemented"
	ErrorCodeServerError        = "server_error"
)

// AuthError represents an error response from the authorization server.
// The taxonomy is deliberate: client errors (4xx) change no server state,
// authentication failures are uniform and never disclose whether a username
// exists, and server errors (5xx) mark transient infrastructure problems
// that abort one request without affecting others.
type AuthError struct {
	Code        string // error code (e.g., "invalid_request", "invalid_credentials")
	Description string // human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewAuthError creates a new auth error
func NewAuthError(code, description string, status int) *AuthError {
	return &AuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common errors as reusable constructors
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *AuthError {
		return NewAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidCredentials is the uniform authentication failure. The same
	// instance shape is used for unknown usernames and wrong passwords.
	ErrInvalidCredentials = func() *AuthError {
		return NewAuthError(ErrorCodeInvalidCredentials, "invalid username or password", http.StatusUnauthorized)
	}

	// ErrInvalidGrant indicates a code or session is invalid, expired, or already used
	ErrInvalidGrant = func(desc string) *AuthError {
		return NewAuthError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// ErrPayloadTooLarge indicates the declared request body exceeds the cap
	ErrPayloadTooLarge = func(desc string) *AuthError {
		return NewAuthError(ErrorCodePayloadTooLarge, desc, http.StatusRequestEntityTooLarge)
	}

	// ErrRateLimitExceeded indicates the caller is being throttled
	ErrRateLimitExceeded = func() *AuthError {
		return NewAuthError(ErrorCodeRateLimitExceeded, "too many requests, try again later", http.StatusTooManyRequests)
	}

	// ErrNotFound indicates no route matched the request
	ErrNotFound = func() *AuthError {
		return NewAuthError(ErrorCodeNotFound, "resource not found", http.StatusNotFound)
	}

	// ErrNotImplemented marks a reachable flow whose behavior is not built
	// yet. Explicit, so unfinished paths can never silently succeed.
	ErrNotImplemented = func(desc string) *AuthError {
		return NewAuthError(ErrorCodeNotImplemented, desc, http.StatusNotImplemented)
	}

	// ErrServerError indicates a transient internal failure
	ErrServerError = func(desc string) *AuthError {
		return NewAuthError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}
)
