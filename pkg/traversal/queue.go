package traversal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Sternrassler/fhir-purge/pkg/fhir"
	"github.com/Sternrassler/fhir-purge/pkg/logging"
	"github.com/emirpasic/gods/queues/linkedlistqueue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Prometheus metrics for queue state.
var (
	inflightPages = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fhir_purge_inflight_pages",
		Help: "Number of pages currently being processed by workers",
	})

	pendingQueries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fhir_purge_pending_queries",
		Help: "Number of queries waiting for a free worker",
	})
)

// DefaultWorkers is the worker pool size used when none is configured.
const DefaultWorkers = 4

var (
	// ErrQueueClosed is returned by Enqueue once the traversal has finished.
	ErrQueueClosed = errors.New("traversal queue closed")

	// ErrQueueRunning is returned when Run is called more than once.
	ErrQueueRunning = errors.New("traversal queue already started")
)

// Handler processes one query on behalf of worker and returns the continuation
// query, or nil when the query has none. A non-nil error is fatal to the whole
// traversal.
type Handler func(ctx context.Context, worker int, query fhir.Query) (*fhir.Query, error)

// Queue is a FIFO of pending queries drained by a fixed pool of workers.
// A Queue runs once.
type Queue struct {
	workers int
	handler Handler

	mu      sync.Mutex
	cond    *sync.Cond
	pending *linkedlistqueue.Queue
	active  int
	err     error
	closed  bool
	started bool

	logger zerolog.Logger
}

// NewQueue creates a queue with the given number of workers.
// workers < 1 falls back to DefaultWorkers.
func NewQueue(workers int, handler Handler) *Queue {
	if workers < 1 {
		workers = DefaultWorkers
	}

	q := &Queue{
		workers: workers,
		handler: handler,
		pending: linkedlistqueue.New(),
		logger:  logging.NewLogger(logging.ComponentTraversal),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Workers returns the pool size.
func (q *Queue) Workers() int {
	return q.workers
}

// Enqueue admits query for processing. After the traversal has completed or
// failed it returns the latched error, or ErrQueueClosed.
func (q *Queue) Enqueue(query fhir.Query) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		if q.err != nil {
			return q.err
		}
		return ErrQueueClosed
	}

	q.pending.Enqueue(query)
	pendingQueries.Set(float64(q.pending.Size()))
	q.cond.Signal()
	return nil
}

// Run starts the workers and blocks until every admitted query and all of its
// continuations have been processed, or until the first fatal error. Cancelling
// ctx is treated as a fatal error.
func (q *Queue) Run(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return ErrQueueRunning
	}
	q.started = true
	q.mu.Unlock()

	if err := ctx.Err(); err != nil {
		q.fail(err)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	stop := context.AfterFunc(ctx, func() {
		q.fail(ctx.Err())
	})
	defer stop()

	for i := 0; i < q.workers; i++ {
		worker := i
		g.Go(func() error {
			return q.work(gctx, worker)
		})
	}

	// the latched error is authoritative; g.Wait only joins the workers
	_ = g.Wait()

	q.mu.Lock()
	defer q.mu.Unlock()
	inflightPages.Set(0)
	pendingQueries.Set(0)
	return q.err
}

// Err returns the latched fatal error, if any.
func (q *Queue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

func (q *Queue) work(ctx context.Context, worker int) error {
	processed := 0
	for {
		query, ok := q.next()
		if !ok {
			q.logger.Debug().
				Int("worker_id", worker).
				Int("pages_processed", processed).
				Msg("Worker stopping")
			return q.Err()
		}

		next, err := q.process(ctx, worker, query)
		q.complete(next, err)
		if err != nil {
			// cancels the group context so sibling requests abort
			return err
		}
		processed++
	}
}

// process runs the handler, converting a panic into a fatal error.
func (q *Queue) process(ctx context.Context, worker int, query fhir.Query) (next *fhir.Query, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error().
				Int("worker_id", worker).
				Str("query", query.String()).
				Interface("panic", r).
				Msg("Worker panicked")
			next, err = nil, fmt.Errorf("worker %d: panic processing %s: %v", worker, query, r)
		}
	}()
	return q.handler(ctx, worker, query)
}

// next blocks until a query is available or the traversal is over.
func (q *Queue) next() (fhir.Query, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.err == nil && q.pending.Empty() && q.active > 0 {
		q.cond.Wait()
	}

	if q.err != nil || q.pending.Empty() {
		// nothing pending and nobody left to produce more
		q.closed = true
		q.cond.Broadcast()
		return "", false
	}

	v, _ := q.pending.Dequeue()
	q.active++
	pendingQueries.Set(float64(q.pending.Size()))
	inflightPages.Set(float64(q.active))
	return v.(fhir.Query), true
}

// complete records the outcome of one query. The continuation is admitted in
// the same critical section that releases the worker.
func (q *Queue) complete(next *fhir.Query, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.active--
	inflightPages.Set(float64(q.active))

	switch {
	case err != nil:
		q.latch(err)
	case next != nil && q.err == nil:
		q.pending.Enqueue(*next)
		pendingQueries.Set(float64(q.pending.Size()))
	case next != nil:
		q.logger.Debug().Str("query", next.String()).Msg("Dropping continuation after failure")
	}

	q.cond.Broadcast()
}

func (q *Queue) fail(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.latch(err)
	q.cond.Broadcast()
}

// latch records the first fatal error and closes the queue. Caller holds mu.
func (q *Queue) latch(err error) {
	if q.err != nil || err == nil {
		return
	}
	if q.closed && q.pending.Empty() && q.active == 0 {
		// already drained successfully
		return
	}
	q.err = err
	q.closed = true
	q.pending.Clear()
	q.logger.Error().Err(err).Msg("Traversal failed")
}
