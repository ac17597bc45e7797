// Package metrics exposes the Prometheus registry used by the purge.
// Metrics are defined in their owning packages (fhir, traversal, cache,
// ratelimit) and registered via promauto; this package serves them and
// documents what exists.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Sternrassler/fhir-purge/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the purge.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler serves the default registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Server exposes /metrics on its own listener for the duration of a run.
type Server struct {
	srv *http.Server
}

// NewServer creates a metrics server listening on addr.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start serves in the background. Listener errors other than a clean
// shutdown are logged.
func (s *Server) Start() {
	logger := logging.NewLogger(logging.ComponentMetrics)
	go func() {
		logger.Info().Str("addr", s.srv.Addr).Msg("Serving metrics")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Metrics Documentation
//
// Request Metrics (pkg/fhir):
//   - fhir_purge_requests_total{method, status} (Counter): FHIR requests by method and HTTP status ("network_error" on transport failure)
//   - fhir_purge_request_duration_seconds{method} (Histogram): FHIR request duration
//
// Delete Retry Metrics (pkg/fhir):
//   - fhir_purge_delete_attempts_total{outcome} (Counter): delete attempts by outcome (success, retry, exhausted)
//   - fhir_purge_retry_backoff_seconds (Histogram): wait before each delete retry
//
// Traversal Metrics (pkg/traversal):
//   - fhir_purge_pages_total (Counter): search pages fully processed
//   - fhir_purge_resources_deleted_total (Counter): resources hard-deleted
//   - fhir_purge_inflight_pages (Gauge): pages currently held by workers
//   - fhir_purge_pending_queries (Gauge): queries waiting for a worker
//
// Token Cache Metrics (pkg/cache):
//   - fhir_purge_token_cache_hits_total (Counter): tokens served from Redis
//   - fhir_purge_token_cache_misses_total (Counter): tokens requested from the issuer
//   - fhir_purge_token_cache_errors_total{operation} (Counter): Redis failures
//
// Rate Limit Metrics (pkg/ratelimit):
//   - fhir_purge_rate_limit_wait_seconds (Histogram): time spent waiting for pacing
//   - fhir_purge_rate_limit_updates_total (Counter): limit reconfigurations
//
// Example Prometheus Queries:
//
//   # Delete throughput
//   rate(fhir_purge_resources_deleted_total[1m])
//
//   # Retry ratio
//   sum(rate(fhir_purge_delete_attempts_total{outcome="retry"}[5m])) /
//   sum(rate(fhir_purge_delete_attempts_total[5m]))
//
//   # P95 DELETE latency
//   histogram_quantile(0.95, rate(fhir_purge_request_duration_seconds_bucket{method="DELETE"}[5m]))
