package client

import (
	"errors"
	"fmt"
)

// ErrNoCredential is returned when a request is attempted without a token.
var ErrNoCredential = errors.New("no access token")

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassAuth represents 401/403 responses.
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassClient represents other 4xx responses.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx responses.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassNetwork represents transport errors and timeouts.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassDecode represents a 2xx response with an unreadable body.
	ErrorClassDecode ErrorClass = "decode"
)

// APIError is a failed CRM REST call.
type APIError struct {
	Endpoint   string
	StatusCode int
	ErrorClass ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("CRM %s error on %s (status %d): %s: %v",
			e.ErrorClass, e.Endpoint, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("CRM %s error on %s (status %d): %s",
		e.ErrorClass, e.Endpoint, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}
