// Package fhir provides the FHIR HTTP client used by the purge: paginated
// search fetching, bundle parsing, and hard deletes with a fixed retry schedule.
package fhir

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/fhir-purge/pkg/logging"
	"github.com/Sternrassler/fhir-purge/pkg/ratelimit"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Prometheus metrics for FHIR client operations.
var (
	fhirRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fhir_purge_requests_total",
		Help: "Total FHIR requests by method and status",
	}, []string{"method", "status"})

	fhirRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fhir_purge_request_duration_seconds",
		Help:    "FHIR request duration in seconds by method",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"method"})
)

// maxBundleSize caps how much of a search response is read.
const maxBundleSize = 64 << 20

// Client talks to one FHIR server.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	limiter    *ratelimit.Limiter
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// BaseURL of the FHIR server, e.g. "https://fhir.example.com" (REQUIRED)
	BaseURL string

	// UserAgent header sent with every request
	UserAgent string

	// Timeout per HTTP request
	Timeout time.Duration

	// Request pacing, 0 = unlimited
	RequestsPerSecond float64
	Burst             int

	// HTTPClient overrides the default otelhttp-instrumented client (testing)
	HTTPClient *http.Client
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:   baseURL,
		UserAgent: "fhir-purge/0.1.0",
		Timeout:   30 * time.Second,
		Burst:     1,
	}
}

// New creates a new FHIR client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base url is required")
	}

	baseURL, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https (got %q)", cfg.BaseURL)
	}
	if baseURL.Host == "" {
		return nil, fmt.Errorf("base url has no host: %q", cfg.BaseURL)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	logger := logging.NewLogger(logging.ComponentFHIRClient)

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		limiter:    ratelimit.NewLimiter(cfg.RequestsPerSecond, cfg.Burst, logger),
		config:     cfg,
		logger:     logger,
	}, nil
}

// BaseURL returns the normalized server base URL (no trailing slash).
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// resolve joins a base-relative path+query onto the base URL.
func (c *Client) resolve(rel string) string {
	if !strings.HasPrefix(rel, "/") {
		rel = "/" + rel
	}
	return c.baseURL.String() + rel
}

// Do performs an authenticated request with pacing, metrics, and logging.
// The caller owns the response body.
func (c *Client) Do(req *http.Request, token string) (*http.Response, error) {
	ctx := req.Context()
	method := req.Method

	startTime := time.Now()
	defer func() {
		fhirRequestDuration.WithLabelValues(method).Observe(time.Since(startTime).Seconds())
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/fhir+json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	c.logger.Debug().
		Str("method", method).
		Str("url", req.URL.String()).
		Msg("Executing FHIR request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		fhirRequestsTotal.WithLabelValues(method, "network_error").Inc()
		return nil, err
	}

	fhirRequestsTotal.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	return resp, nil
}

// FetchPage issues one GET for query and parses the response into a Page.
// Any failure is a FetchFailure.
func (c *Client) FetchPage(ctx context.Context, token string, query Query) (*Page, error) {
	target := c.resolve(string(query))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fetchError(query, fmt.Errorf("create request: %w", err))
	}

	resp, err := c.Do(req, token)
	if err != nil {
		return nil, fetchError(query, err)
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		drain(resp.Body)
		return nil, fetchError(query, &StatusError{
			Method:     http.MethodGet,
			URL:        target,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
		})
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBundleSize))
	if err != nil {
		return nil, fetchError(query, fmt.Errorf("read body: %w", err))
	}

	page, err := ParseBundle(body, c.baseURL.EscapedPath())
	if err != nil {
		return nil, fetchError(query, err)
	}

	c.logger.Debug().
		Str("query", string(query)).
		Int("resources", len(page.Resources)).
		Bool("has_next", page.HasNext()).
		Msg("Fetched page")

	return page, nil
}

// DeleteResource issues a single hard DELETE for ref and returns the response status.
// A non-2xx status is returned as a *StatusError alongside the status code;
// a transport error returns status 0.
func (c *Client) DeleteResource(ctx context.Context, token string, ref ResourceRef) (int, error) {
	target := c.resolve(ref.Path()) + "?hardDelete=true"

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.Do(req, token)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	drain(resp.Body)

	if !isSuccess(resp.StatusCode) {
		return resp.StatusCode, &StatusError{
			Method:     http.MethodDelete,
			URL:        target,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
		}
	}

	return resp.StatusCode, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

// drain reads a bounded remainder so the connection can be reused.
func drain(body io.Reader) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
}
