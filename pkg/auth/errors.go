package auth

import (
	"errors"
	"fmt"
)

// ErrAuthenticationFailed matches every error returned by Authenticate.
var ErrAuthenticationFailed = errors.New("authentication failed")

// AuthenticationFailedError describes a rejected or unusable token exchange.
// StatusCode is 0 when the request never produced a response.
type AuthenticationFailedError struct {
	StatusCode int
	Body       string
	Reason     string
	Err        error
}

// Error implements the error interface.
func (e *AuthenticationFailedError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Err)
	case e.Body != "":
		return fmt.Sprintf("authentication failed (status %d): %s: %s", e.StatusCode, e.Reason, e.Body)
	default:
		return fmt.Sprintf("authentication failed (status %d): %s", e.StatusCode, e.Reason)
	}
}

// Is makes errors.Is(err, ErrAuthenticationFailed) hold.
func (e *AuthenticationFailedError) Is(target error) bool {
	return target == ErrAuthenticationFailed
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *AuthenticationFailedError) Unwrap() error {
	return e.Err
}
