package metadata

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrAuth means the session cookie is missing or was rejected.
	ErrAuth = errors.New("missing or invalid session cookie")

	// ErrVerificationRequired means the backend wants a fresh human
	// verification token before it will issue connection metadata.
	ErrVerificationRequired = errors.New("human verification required")

	// ErrMalformedResponse means a success response did not parse.
	ErrMalformedResponse = errors.New("malformed connection metadata")

	// ErrAborted means the fetch was cancelled by the caller.
	ErrAborted = errors.New("connection metadata fetch aborted")
)

// BackendError is a non-retryable rejection carrying the backend's message.
type BackendError struct {
	Status  int
	Message string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// Is lets a 401 match ErrAuth.
func (e *BackendError) Is(target error) bool {
	return target == ErrAuth && e.Status == http.StatusUnauthorized
}
