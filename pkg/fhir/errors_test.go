package fhir

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestClassOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{name: "nil", err: nil, want: ""},
		{name: "auth", err: &AuthError{Err: errors.New("invalid_client")}, want: ErrorClassAuth},
		{name: "fetch", err: fetchError("/", errors.New("boom")), want: ErrorClassFetch},
		{
			name: "delete exhausted",
			err:  &DeleteExhaustedError{Ref: ResourceRef{Type: "Patient", ID: "1"}, Attempts: 5, LastStatus: 500},
			want: ErrorClassDelete,
		},
		{
			name: "wrapped delete exhausted",
			err:  fmt.Errorf("page /: %w", &DeleteExhaustedError{Err: errors.New("x")}),
			want: ErrorClassDelete,
		},
		{name: "cancelled", err: context.Canceled, want: ErrorClassUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassOf(tt.err); got != tt.want {
				t.Errorf("ClassOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDeleteExhaustedError(t *testing.T) {
	cause := &StatusError{Method: "DELETE", URL: "http://x/Patient/1?hardDelete=true", StatusCode: 503, Status: "503 Service Unavailable"}
	err := &DeleteExhaustedError{
		Ref:        ResourceRef{Type: "Patient", ID: "1"},
		Attempts:   5,
		LastStatus: 503,
		Err:        cause,
	}

	if !errors.Is(err, ErrDeleteExhausted) {
		t.Error("should match ErrDeleteExhausted")
	}

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatal("should unwrap to *StatusError")
	}
	if statusErr.StatusCode != 503 {
		t.Errorf("StatusCode = %d, want 503", statusErr.StatusCode)
	}

	msg := err.Error()
	for _, want := range []string{"Patient/1", "5 attempts", "last status 503"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
}

func TestAuthError(t *testing.T) {
	cause := errors.New("token endpoint unreachable")
	err := &AuthError{Err: cause}

	if !errors.Is(err, ErrAuthFailure) {
		t.Error("should match ErrAuthFailure")
	}
	if !errors.Is(err, cause) {
		t.Error("should match its cause")
	}
}

func TestFetchError(t *testing.T) {
	cause := &StatusError{Method: "GET", URL: "http://x/", StatusCode: 500, Status: "500 Internal Server Error"}
	err := fetchError("/", cause)

	if !errors.Is(err, ErrFetchFailure) {
		t.Error("should match ErrFetchFailure")
	}

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Error("should unwrap to *StatusError")
	}
}
