package traversal

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/fhir-purge/pkg/auth"
	"github.com/Sternrassler/fhir-purge/pkg/fhir"
	"github.com/Sternrassler/fhir-purge/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Prometheus metrics for page processing.
var (
	pagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fhir_purge_pages_total",
		Help: "Total number of search pages fully processed",
	})

	resourcesDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fhir_purge_resources_deleted_total",
		Help: "Total number of resources hard-deleted",
	})
)

const tracerName = "github.com/Sternrassler/fhir-purge/pkg/traversal"

// PageFetcher fetches one page of search results.
type PageFetcher interface {
	FetchPage(ctx context.Context, token string, query fhir.Query) (*fhir.Page, error)
}

// ResourceDeleter deletes one resource, retrying internally.
// Implementations need not be safe for concurrent use; each worker gets its own.
type ResourceDeleter interface {
	Delete(ctx context.Context, token string, ref fhir.ResourceRef) error
}

// DeleterFactory creates the deleter owned by one worker.
type DeleterFactory func(worker int) ResourceDeleter

// Config holds engine configuration.
type Config struct {
	// Workers is the number of pages processed concurrently (default: 4)
	Workers int
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{Workers: DefaultWorkers}
}

// Stats summarizes a completed traversal.
type Stats struct {
	Pages    int64
	Deleted  int64
	Duration time.Duration
}

// Engine fetches pages and deletes their resources on a Queue.
type Engine struct {
	fetcher  PageFetcher
	tokens   auth.TokenSupplier
	deleters []ResourceDeleter
	workers  int
	tracer   trace.Tracer

	pages   atomic.Int64
	deleted atomic.Int64
	elapsed atomic.Int64

	logger zerolog.Logger
}

// NewEngine creates an engine. newDeleter is called once per worker.
func NewEngine(fetcher PageFetcher, tokens auth.TokenSupplier, newDeleter DeleterFactory, cfg Config) *Engine {
	if cfg.Workers < 1 {
		cfg.Workers = DefaultWorkers
	}

	deleters := make([]ResourceDeleter, cfg.Workers)
	for i := range deleters {
		deleters[i] = newDeleter(i)
	}

	return &Engine{
		fetcher:  fetcher,
		tokens:   tokens,
		deleters: deleters,
		workers:  cfg.Workers,
		tracer:   otel.Tracer(tracerName),
		logger:   logging.NewLogger(logging.ComponentTraversal),
	}
}

// Run processes the seed queries and every continuation reachable from them.
// It blocks until the traversal has drained or failed.
func (e *Engine) Run(ctx context.Context, seeds ...fhir.Query) error {
	start := time.Now()
	defer func() {
		e.elapsed.Store(int64(time.Since(start)))
	}()

	q := NewQueue(e.workers, e.processPage)
	for _, seed := range seeds {
		if err := q.Enqueue(seed); err != nil {
			return err
		}
	}

	e.logger.Debug().
		Int("workers", e.workers).
		Int("seeds", len(seeds)).
		Msg("Starting traversal")

	return q.Run(ctx)
}

// Stats returns counters for the last Run.
func (e *Engine) Stats() Stats {
	return Stats{
		Pages:    e.pages.Load(),
		Deleted:  e.deleted.Load(),
		Duration: time.Duration(e.elapsed.Load()),
	}
}

// processPage is the Handler run for every query: token, fetch, deletes in
// entry order, then the continuation.
func (e *Engine) processPage(ctx context.Context, worker int, query fhir.Query) (next *fhir.Query, err error) {
	ctx, span := e.tracer.Start(ctx, "traversal.page",
		trace.WithAttributes(
			attribute.String("fhir.query", query.String()),
			attribute.Int("worker", worker),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(fhir.ClassOf(err)))
		}
		span.End()
	}()

	token, err := e.tokens.Token(ctx)
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, fhir.ErrAuthFailure) {
			err = &fhir.AuthError{Err: err}
		}
		return nil, err
	}

	page, err := e.fetcher.FetchPage(ctx, token, query)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("fhir.resources", len(page.Resources)))

	deleter := e.deleters[worker]
	for _, ref := range page.Resources {
		if err := deleter.Delete(ctx, token, ref); err != nil {
			return nil, err
		}
		e.deleted.Add(1)
		resourcesDeletedTotal.Inc()
	}

	e.pages.Add(1)
	pagesTotal.Inc()

	e.logger.Debug().
		Int("worker_id", worker).
		Str("query", query.String()).
		Int("deleted", len(page.Resources)).
		Bool("has_next", page.HasNext()).
		Msg("Page processed")

	return page.Next, nil
}
