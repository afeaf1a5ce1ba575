package inbox

import (
	"errors"
	"fmt"
	"net/http"
)

// HTTPError is a non-2xx answer from the notification API.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func IsNotFound(err error) bool {
	return hasStatus(err, http.StatusNotFound)
}

func IsUnauthorized(err error) bool {
	return hasStatus(err, http.StatusUnauthorized)
}

func hasStatus(err error, status int) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == status
}

// ChannelError reports a push channel that failed to open or dropped.
// It only drives reconnect backoff and is never surfaced to the user.
type ChannelError struct {
	State ChannelState
	Err   error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("push channel %s: %v", e.State, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// CredentialError means every refresh attempt failed.
type CredentialError struct {
	Attempts int
	Err      error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credential refresh failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *CredentialError) Unwrap() error {
	return e.Err
}

// MutationConflictError is returned when the server rejected an optimistic
// change and the local state was rolled back.
type MutationConflictError struct {
	Op  string
	ID  string
	Err error
}

func (e *MutationConflictError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s rejected: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s rejected: %v", e.Op, e.ID, e.Err)
}

func (e *MutationConflictError) Unwrap() error {
	return e.Err
}
