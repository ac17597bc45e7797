// Package ratelimit paces outgoing FHIR requests so a purge does not
// overwhelm the server. A zero rate disables pacing entirely.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Prometheus metrics for request pacing.
var (
	rateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fhir_purge_rate_limit_wait_seconds",
		Help:    "Time requests spent waiting for the rate limiter",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	rateLimitUpdatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fhir_purge_rate_limit_updates_total",
		Help: "Total number of runtime rate limit adjustments",
	})
)

// Limiter gates requests with a token bucket. The zero rate means unlimited.
// A nil *Limiter is valid and never blocks.
type Limiter struct {
	mu      sync.RWMutex
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewLimiter creates a limiter allowing rps requests per second with the given burst.
// rps <= 0 disables limiting. burst < 1 is raised to 1.
func NewLimiter(rps float64, burst int, logger zerolog.Logger) *Limiter {
	return &Limiter{
		limiter: rate.NewLimiter(toLimit(rps), normalizeBurst(burst)),
		logger:  logger,
	}
}

// Wait blocks until a request may proceed or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.limiter.Limit() == rate.Inf {
		return nil
	}

	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	waited := time.Since(start)
	rateLimitWaitSeconds.Observe(waited.Seconds())
	if waited > time.Second {
		l.logger.Debug().Dur("waited", waited).Msg("Request throttled")
	}

	return nil
}

// Update adjusts the rate and burst at runtime.
func (l *Limiter) Update(rps float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.limiter.SetLimit(toLimit(rps))
	l.limiter.SetBurst(normalizeBurst(burst))
	rateLimitUpdatesTotal.Inc()

	l.logger.Info().
		Float64("rps", rps).
		Int("burst", burst).
		Msg("Rate limit updated")
}

// Limit returns the current requests per second, 0 when unlimited.
func (l *Limiter) Limit() float64 {
	if l == nil {
		return 0
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.limiter.Limit() == rate.Inf {
		return 0
	}
	return float64(l.limiter.Limit())
}

func toLimit(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

func normalizeBurst(burst int) int {
	if burst < 1 {
		return 1
	}
	return burst
}
