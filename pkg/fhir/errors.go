package fhir

import (
	"errors"
	"fmt"
)

// Common errors returned by the FHIR client and deleter.
var (
	// ErrAuthFailure is returned when a bearer token cannot be acquired or is unusable.
	ErrAuthFailure = errors.New("auth failure")

	// ErrFetchFailure is returned when a search page cannot be fetched or parsed.
	ErrFetchFailure = errors.New("fetch failure")

	// ErrDeleteExhausted is returned when a DELETE stays unsuccessful after every retry.
	ErrDeleteExhausted = errors.New("delete retries exhausted")

	// ErrMalformedBundle is returned when a search response is not a usable bundle.
	ErrMalformedBundle = errors.New("malformed bundle")
)

// ErrorClass represents a classification of fatal purge errors.
type ErrorClass string

const (
	// ErrorClassAuth represents token acquisition failures.
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassFetch represents page fetch or parse failures.
	ErrorClassFetch ErrorClass = "fetch"

	// ErrorClassDelete represents deletes that exhausted their retries.
	ErrorClassDelete ErrorClass = "delete"

	// ErrorClassUnknown is anything else (context cancellation, panics).
	ErrorClassUnknown ErrorClass = "unknown"
)

// ClassOf returns the failure class of err.
func ClassOf(err error) ErrorClass {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthFailure):
		return ErrorClassAuth
	case errors.Is(err, ErrFetchFailure):
		return ErrorClassFetch
	case errors.Is(err, ErrDeleteExhausted):
		return ErrorClassDelete
	default:
		return ErrorClassUnknown
	}
}

// StatusError is a non-2xx response from the FHIR server.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Status     string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d (%s)", e.Method, e.URL, e.StatusCode, e.Status)
}

// AuthError wraps a token acquisition failure.
type AuthError struct {
	Err error
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	return fmt.Sprintf("%v: %v", ErrAuthFailure, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *AuthError) Unwrap() []error {
	return []error{ErrAuthFailure, e.Err}
}

// DeleteExhaustedError is returned by RetryingDeleter when the final attempt failed.
type DeleteExhaustedError struct {
	Ref      ResourceRef
	Attempts int
	// LastStatus is the last observed HTTP status, 0 for a transport error.
	LastStatus int
	Err        error
}

// Error implements the error interface.
func (e *DeleteExhaustedError) Error() string {
	return fmt.Sprintf("%v: %s after %d attempts (last status %d): %v",
		ErrDeleteExhausted, e.Ref, e.Attempts, e.LastStatus, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *DeleteExhaustedError) Unwrap() []error {
	return []error{ErrDeleteExhausted, e.Err}
}

// fetchError marks err as a FetchFailure.
func fetchError(query Query, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrFetchFailure, query, err)
}
