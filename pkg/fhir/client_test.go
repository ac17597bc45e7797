package fhir

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/fhir-purge/internal/testutil"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()

	cfg := DefaultConfig(baseURL)
	cfg.HTTPClient = &http.Client{Timeout: 5 * time.Second}

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name        string
		baseURL     string
		expectError bool
		errorMsg    string
	}{
		{name: "valid", baseURL: "https://fhir.example.com", expectError: false},
		{name: "valid with path and slash", baseURL: "https://fhir.example.com/r4/", expectError: false},
		{name: "empty", baseURL: "", expectError: true, errorMsg: "base url is required"},
		{name: "blank", baseURL: "   ", expectError: true, errorMsg: "base url is required"},
		{name: "bad scheme", baseURL: "ftp://fhir.example.com", expectError: true, errorMsg: "must be http or https"},
		{name: "no host", baseURL: "https://", expectError: true, errorMsg: "no host"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(DefaultConfig(tt.baseURL))

			if tt.expectError {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("error = %q, want substring %q", err.Error(), tt.errorMsg)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestClient_BaseURLNormalized(t *testing.T) {
	c := newTestClient(t, "https://fhir.example.com/r4/")
	if got := c.BaseURL(); got != "https://fhir.example.com/r4" {
		t.Errorf("BaseURL() = %q", got)
	}
	if got := c.resolve("/?ct=1"); got != "https://fhir.example.com/r4/?ct=1" {
		t.Errorf("resolve() = %q", got)
	}
	if got := c.resolve("Patient/1"); got != "https://fhir.example.com/r4/Patient/1" {
		t.Errorf("resolve() without slash = %q", got)
	}
}

func TestClient_FetchPage(t *testing.T) {
	mock := testutil.NewMockFHIR()
	defer mock.Close()

	mock.SetPage("/", testutil.NewBundle(mock.URL()+"/?ct=page2",
		testutil.Resource{Type: "Patient", ID: "1"},
		testutil.Resource{Type: "Observation", ID: "2"},
	))

	c := newTestClient(t, mock.URL())
	page, err := c.FetchPage(context.Background(), "secret", RootQuery)
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}

	if len(page.Resources) != 2 {
		t.Fatalf("resources = %d, want 2", len(page.Resources))
	}
	if page.Resources[0] != (ResourceRef{Type: "Patient", ID: "1"}) {
		t.Errorf("first resource = %v", page.Resources[0])
	}
	if !page.HasNext() || *page.Next != "/?ct=page2" {
		t.Errorf("Next = %v, want /?ct=page2", page.Next)
	}

	headers := mock.AuthHeaders()
	if len(headers) != 1 || headers[0] != "Bearer secret" {
		t.Errorf("Authorization headers = %v", headers)
	}
}

func TestClient_FetchPage_BasePath(t *testing.T) {
	mock := testutil.NewMockFHIR()
	defer mock.Close()

	mock.SetPage("/fhir/", testutil.NewBundle(mock.URL()+"/fhir/?ct=2"))
	mock.SetPage("/fhir/?ct=2", testutil.NewBundle(""))

	c := newTestClient(t, mock.URL()+"/fhir")

	page, err := c.FetchPage(context.Background(), "tok", RootQuery)
	if err != nil {
		t.Fatalf("FetchPage(/) error = %v", err)
	}
	if !page.HasNext() || *page.Next != "/?ct=2" {
		t.Fatalf("Next = %v, want /?ct=2", page.Next)
	}

	page, err = c.FetchPage(context.Background(), "tok", *page.Next)
	if err != nil {
		t.Fatalf("FetchPage(next) error = %v", err)
	}
	if page.HasNext() {
		t.Errorf("last page should have no continuation")
	}
}

func TestClient_FetchPage_Failures(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(m *testutil.MockFHIR)
		status int
	}{
		{
			name:   "server error",
			setup:  func(m *testutil.MockFHIR) { m.SetPageStatus("/", http.StatusInternalServerError) },
			status: http.StatusInternalServerError,
		},
		{
			name:   "unauthorized",
			setup:  func(m *testutil.MockFHIR) { m.SetPageStatus("/", http.StatusUnauthorized) },
			status: http.StatusUnauthorized,
		},
		{
			name:   "not found",
			setup:  func(m *testutil.MockFHIR) {},
			status: http.StatusNotFound,
		},
		{
			name:  "malformed body",
			setup: func(m *testutil.MockFHIR) { m.SetPage("/", `{"entry":[{"resource":{"id":"1"}}]}`) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockFHIR()
			defer mock.Close()
			tt.setup(mock)

			c := newTestClient(t, mock.URL())
			_, err := c.FetchPage(context.Background(), "tok", RootQuery)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ErrFetchFailure) {
				t.Errorf("error %v should match ErrFetchFailure", err)
			}

			if tt.status == 0 {
				if !errors.Is(err, ErrMalformedBundle) {
					t.Errorf("error %v should match ErrMalformedBundle", err)
				}
				return
			}

			var statusErr *StatusError
			if !errors.As(err, &statusErr) {
				t.Fatalf("error %v should carry *StatusError", err)
			}
			if statusErr.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", statusErr.StatusCode, tt.status)
			}
		})
	}
}

func TestClient_FetchPage_NetworkError(t *testing.T) {
	mock := testutil.NewMockFHIR()
	url := mock.URL()
	mock.Close()

	c := newTestClient(t, url)
	_, err := c.FetchPage(context.Background(), "tok", RootQuery)
	if !errors.Is(err, ErrFetchFailure) {
		t.Errorf("error %v should match ErrFetchFailure", err)
	}
}

func TestClient_DeleteResource(t *testing.T) {
	mock := testutil.NewMockFHIR()
	defer mock.Close()

	c := newTestClient(t, mock.URL())
	status, err := c.DeleteResource(context.Background(), "tok", ResourceRef{Type: "Patient", ID: "1"})
	if err != nil {
		t.Fatalf("DeleteResource() error = %v", err)
	}
	if status != http.StatusNoContent {
		t.Errorf("status = %d, want 204", status)
	}

	deletes := mock.Deletes()
	if len(deletes) != 1 || deletes[0] != "/Patient/1?hardDelete=true" {
		t.Errorf("deletes = %v, want [/Patient/1?hardDelete=true]", deletes)
	}
}

func TestClient_DeleteResource_NonSuccess(t *testing.T) {
	mock := testutil.NewMockFHIR()
	defer mock.Close()
	mock.FailDeletes("/Patient/1", 1, http.StatusConflict)

	c := newTestClient(t, mock.URL())
	status, err := c.DeleteResource(context.Background(), "tok", ResourceRef{Type: "Patient", ID: "1"})
	if err == nil {
		t.Fatal("expected error for 409")
	}
	if status != http.StatusConflict {
		t.Errorf("status = %d, want 409", status)
	}

	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Method != http.MethodDelete {
		t.Errorf("error = %v, want DELETE *StatusError", err)
	}
}

func TestRetryingDeleter_AgainstServer(t *testing.T) {
	mock := testutil.NewMockFHIR()
	defer mock.Close()
	mock.FailDeletes("/Observation/2", 2, http.StatusServiceUnavailable)

	c := newTestClient(t, mock.URL())
	d := NewRetryingDeleter(c, WithSchedule([]time.Duration{time.Millisecond, time.Millisecond, time.Millisecond, time.Millisecond}, time.Millisecond))

	if err := d.Delete(context.Background(), "tok", ResourceRef{Type: "Observation", ID: "2"}); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if got := mock.DeleteAttempts("/Observation/2"); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}
