package fhir

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/Sternrassler/fhir-purge/pkg/logging"
	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for delete retries.
var (
	deleteAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fhir_purge_delete_attempts_total",
		Help: "Total number of delete attempts by outcome",
	}, []string{"outcome"})

	retryBackoffSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fhir_purge_retry_backoff_seconds",
		Help:    "Backoff duration waited before a delete retry",
		Buckets: []float64{1, 2, 3, 5, 8, 13},
	})
)

// DefaultRetrySchedule is the wait before each retry of a failed delete.
// Four retries after the first attempt, five attempts in total.
var DefaultRetrySchedule = []time.Duration{
	2000 * time.Millisecond,
	3000 * time.Millisecond,
	5000 * time.Millisecond,
	8000 * time.Millisecond,
}

// DefaultMaxJitter bounds the random extra wait added to each scheduled backoff.
const DefaultMaxJitter = 50 * time.Millisecond

// ScheduleBackOff is a backoff.BackOff walking a fixed schedule with jitter in
// [0, maxJitter). It stops once the schedule is exhausted.
// Not safe for concurrent use; each worker owns its own.
type ScheduleBackOff struct {
	schedule  []time.Duration
	maxJitter time.Duration
	rng       *rand.Rand
	next      int
}

var _ backoff.BackOff = (*ScheduleBackOff)(nil)

// NewScheduleBackOff creates a schedule backoff. A nil rng disables jitter.
func NewScheduleBackOff(schedule []time.Duration, maxJitter time.Duration, rng *rand.Rand) *ScheduleBackOff {
	return &ScheduleBackOff{
		schedule:  schedule,
		maxJitter: maxJitter,
		rng:       rng,
	}
}

// NextBackOff implements backoff.BackOff.
func (b *ScheduleBackOff) NextBackOff() time.Duration {
	if b.next >= len(b.schedule) {
		return backoff.Stop
	}

	wait := b.schedule[b.next]
	b.next++

	if b.rng != nil && b.maxJitter > 0 {
		wait += time.Duration(b.rng.Int64N(int64(b.maxJitter)))
	}
	return wait
}

// Reset implements backoff.BackOff.
func (b *ScheduleBackOff) Reset() {
	b.next = 0
}

// AttemptOutcome classifies a single delete attempt.
type AttemptOutcome string

const (
	// OutcomeSuccess means the attempt returned 2xx.
	OutcomeSuccess AttemptOutcome = "success"

	// OutcomeRetry means the attempt failed and another will follow after Wait.
	OutcomeRetry AttemptOutcome = "retry"

	// OutcomeExhausted means the attempt failed and no retries remain.
	OutcomeExhausted AttemptOutcome = "exhausted"
)

// DeleteAttempt is the observable event emitted for every delete attempt.
type DeleteAttempt struct {
	Ref     ResourceRef
	Attempt int
	Status  int
	Outcome AttemptOutcome
	// Wait before the next attempt, set only for OutcomeRetry.
	Wait time.Duration
	Err  error
}

// resourceDeleter issues one DELETE attempt.
type resourceDeleter interface {
	DeleteResource(ctx context.Context, token string, ref ResourceRef) (int, error)
}

// RetryingDeleter deletes resources, retrying non-2xx responses per the schedule.
// It holds its own random source and must not be shared between goroutines.
type RetryingDeleter struct {
	client    resourceDeleter
	schedule  []time.Duration
	maxJitter time.Duration
	rng       *rand.Rand
	newTimer  func() backoff.Timer
	observer  func(DeleteAttempt)
	logger    zerolog.Logger
}

// DeleterOption configures a RetryingDeleter.
type DeleterOption func(*RetryingDeleter)

// WithSchedule overrides the retry schedule.
func WithSchedule(schedule []time.Duration, maxJitter time.Duration) DeleterOption {
	return func(d *RetryingDeleter) {
		d.schedule = schedule
		d.maxJitter = maxJitter
	}
}

// WithRand sets the jitter random source.
func WithRand(rng *rand.Rand) DeleterOption {
	return func(d *RetryingDeleter) {
		d.rng = rng
	}
}

// WithTimer overrides how backoff waits are timed (testing).
func WithTimer(newTimer func() backoff.Timer) DeleterOption {
	return func(d *RetryingDeleter) {
		d.newTimer = newTimer
	}
}

// WithObserver registers a callback receiving every DeleteAttempt.
func WithObserver(fn func(DeleteAttempt)) DeleterOption {
	return func(d *RetryingDeleter) {
		d.observer = fn
	}
}

// NewRetryingDeleter creates a deleter with DefaultRetrySchedule and a freshly seeded
// random source unless overridden.
func NewRetryingDeleter(client resourceDeleter, opts ...DeleterOption) *RetryingDeleter {
	d := &RetryingDeleter{
		client:    client,
		schedule:  DefaultRetrySchedule,
		maxJitter: DefaultMaxJitter,
		logger:    logging.NewLogger(logging.ComponentRetry),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.rng == nil {
		d.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return d
}

// Delete hard-deletes ref. It returns nil on the first 2xx, or a *DeleteExhaustedError
// once every scheduled retry has failed. Cancelling ctx aborts the wait and returns ctx.Err().
func (d *RetryingDeleter) Delete(ctx context.Context, token string, ref ResourceRef) error {
	var (
		attempt    int
		lastStatus int
	)

	operation := func() error {
		attempt++
		status, err := d.client.DeleteResource(ctx, token, ref)
		lastStatus = status
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}

		deleteAttemptsTotal.WithLabelValues(string(OutcomeSuccess)).Inc()
		d.emit(DeleteAttempt{Ref: ref, Attempt: attempt, Status: status, Outcome: OutcomeSuccess})
		if attempt > 1 {
			d.logger.Info().
				Str("resource", ref.String()).
				Int("attempt", attempt).
				Msg("Delete succeeded after retry")
		} else {
			d.logger.Debug().
				Str("resource", ref.String()).
				Int("status", status).
				Msg("Deleted")
		}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		deleteAttemptsTotal.WithLabelValues(string(OutcomeRetry)).Inc()
		retryBackoffSeconds.Observe(wait.Seconds())
		d.emit(DeleteAttempt{
			Ref:     ref,
			Attempt: attempt,
			Status:  lastStatus,
			Outcome: OutcomeRetry,
			Wait:    wait,
			Err:     err,
		})
		d.logger.Warn().
			Err(err).
			Str("resource", ref.String()).
			Int("attempt", attempt).
			Int("status", lastStatus).
			Dur("backoff", wait).
			Msg("Delete failed, retrying after backoff")
	}

	b := backoff.WithContext(NewScheduleBackOff(d.schedule, d.maxJitter, d.rng), ctx)

	var timer backoff.Timer
	if d.newTimer != nil {
		timer = d.newTimer()
	}

	err := backoff.RetryNotifyWithTimer(operation, b, notify, timer)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return ctxErr
	}

	deleteAttemptsTotal.WithLabelValues(string(OutcomeExhausted)).Inc()
	d.emit(DeleteAttempt{Ref: ref, Attempt: attempt, Status: lastStatus, Outcome: OutcomeExhausted, Err: err})
	d.logger.Error().
		Err(err).
		Str("resource", ref.String()).
		Int("attempts", attempt).
		Int("status", lastStatus).
		Msg("Delete retries exhausted")

	return &DeleteExhaustedError{
		Ref:        ref,
		Attempts:   attempt,
		LastStatus: lastStatus,
		Err:        err,
	}
}

func (d *RetryingDeleter) emit(ev DeleteAttempt) {
	if d.observer != nil {
		d.observer(ev)
	}
}
