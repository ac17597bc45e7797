// Package testutil provides testing utilities for the FHIR purge tool.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// Resource is a resource listed in a mock search bundle.
type Resource struct {
	Type string
	ID   string
}

// MockFHIR is a scriptable FHIR server for testing.
// Search pages are keyed by request URI (path plus raw query).
type MockFHIR struct {
	server *httptest.Server
	mu     sync.Mutex

	pages          map[string]string
	pageStatus     map[string]int
	deleteFailures map[string]deleteFailure
	fetchDelay     time.Duration

	// Tracking
	fetches        []string
	deletes        []string
	authHeaders    []string
	inflight       int
	maxInflight    int
	deleteAttempts map[string]int
}

type deleteFailure struct {
	remaining int
	status    int
}

// NewMockFHIR creates a new mock FHIR server.
func NewMockFHIR() *MockFHIR {
	mock := &MockFHIR{
		pages:          make(map[string]string),
		pageStatus:     make(map[string]int),
		deleteFailures: make(map[string]deleteFailure),
		deleteAttempts: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.authHeaders = append(mock.authHeaders, r.Header.Get("Authorization"))
		mock.mu.Unlock()

		switch r.Method {
		case http.MethodGet:
			mock.handleSearch(w, r)
		case http.MethodDelete:
			mock.handleDelete(w, r)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockFHIR) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockFHIR) Close() {
	m.server.Close()
}

// SetPage serves body for GET requestURI.
func (m *MockFHIR) SetPage(requestURI string, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[requestURI] = body
}

// SetPageStatus makes GET requestURI answer with status and no body.
func (m *MockFHIR) SetPageStatus(requestURI string, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pageStatus[requestURI] = status
}

// FailDeletes makes the next times DELETEs of path answer with status.
func (m *MockFHIR) FailDeletes(path string, times int, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteFailures[path] = deleteFailure{remaining: times, status: status}
}

// SetFetchDelay delays every search response.
func (m *MockFHIR) SetFetchDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchDelay = d
}

// Fetches returns the request URIs of all searches in arrival order.
func (m *MockFHIR) Fetches() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.fetches...)
}

// Deletes returns the request URIs of all successful deletes in arrival order.
func (m *MockFHIR) Deletes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deletes...)
}

// DeleteAttempts returns how many DELETEs were received for path.
func (m *MockFHIR) DeleteAttempts(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteAttempts[path]
}

// AuthHeaders returns every Authorization header received.
func (m *MockFHIR) AuthHeaders() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.authHeaders...)
}

// MaxConcurrentFetches returns the high-water mark of concurrent searches.
func (m *MockFHIR) MaxConcurrentFetches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInflight
}

func (m *MockFHIR) handleSearch(w http.ResponseWriter, r *http.Request) {
	uri := r.URL.RequestURI()

	m.mu.Lock()
	m.fetches = append(m.fetches, uri)
	m.inflight++
	if m.inflight > m.maxInflight {
		m.maxInflight = m.inflight
	}
	delay := m.fetchDelay
	body, ok := m.pages[uri]
	status, hasStatus := m.pageStatus[uri]
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inflight--
		m.mu.Unlock()
	}()

	if delay > 0 {
		time.Sleep(delay)
	}

	if hasStatus {
		w.WriteHeader(status)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(body))
}

func (m *MockFHIR) handleDelete(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	m.mu.Lock()
	m.deleteAttempts[path]++
	failure, failing := m.deleteFailures[path]
	if failing && failure.remaining > 0 {
		failure.remaining--
		m.deleteFailures[path] = failure
		m.mu.Unlock()
		w.WriteHeader(failure.status)
		return
	}
	m.deletes = append(m.deletes, r.URL.RequestURI())
	m.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

// NewBundle renders a searchset bundle listing resources with an optional next link.
func NewBundle(nextURL string, resources ...Resource) string {
	type link struct {
		Relation string `json:"relation"`
		URL      string `json:"url"`
	}
	type entry struct {
		FullURL  string         `json:"fullUrl"`
		Resource map[string]any `json:"resource"`
	}

	bundle := map[string]any{
		"resourceType": "Bundle",
		"type":         "searchset",
	}

	links := []link{{Relation: "self", URL: "https://fhir.example.com/"}}
	if nextURL != "" {
		links = append(links, link{Relation: "next", URL: nextURL})
	}
	bundle["link"] = links

	if len(resources) > 0 {
		entries := make([]entry, 0, len(resources))
		for _, res := range resources {
			entries = append(entries, entry{
				FullURL: "https://fhir.example.com/" + res.Type + "/" + res.ID,
				Resource: map[string]any{
					"resourceType": res.Type,
					"id":           res.ID,
					"meta":         map[string]any{"versionId": "1"},
				},
			})
		}
		bundle["entry"] = entries
	}

	data, err := json.Marshal(bundle)
	if err != nil {
		panic(err)
	}
	return string(data)
}
