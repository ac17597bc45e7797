// Package purge wires the FHIR client, token supplier, and traversal engine
// into a single blocking operation that hard-deletes every resource reachable
// from the server root search.
package purge

import (
	"context"
	"errors"
	"fmt"

	"github.com/Sternrassler/fhir-purge/pkg/auth"
	"github.com/Sternrassler/fhir-purge/pkg/fhir"
	"github.com/Sternrassler/fhir-purge/pkg/logging"
	"github.com/Sternrassler/fhir-purge/pkg/traversal"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config holds purge configuration.
type Config struct {
	// Client configures the FHIR server connection (BaseURL REQUIRED)
	Client fhir.Config

	// Workers is the number of pages processed concurrently (default: 4)
	Workers int

	// DeleterOptions are applied to every worker's RetryingDeleter.
	// Each worker seeds its own jitter source unless fhir.WithRand is given.
	DeleterOptions []fhir.DeleterOption
}

// DefaultConfig returns the default purge configuration for baseURL.
func DefaultConfig(baseURL string) Config {
	return Config{
		Client:  fhir.DefaultConfig(baseURL),
		Workers: traversal.DefaultWorkers,
	}
}

// Purger deletes everything a FHIR server returns from its root search.
type Purger struct {
	client *fhir.Client
	engine *traversal.Engine
	logger zerolog.Logger
}

// New creates a Purger.
func New(cfg Config, tokens auth.TokenSupplier) (*Purger, error) {
	if tokens == nil {
		return nil, errors.New("token supplier is required")
	}
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("workers must be at least 1 (got %d)", cfg.Workers)
	}

	client, err := fhir.New(cfg.Client)
	if err != nil {
		return nil, fmt.Errorf("create fhir client: %w", err)
	}

	newDeleter := func(int) traversal.ResourceDeleter {
		return fhir.NewRetryingDeleter(client, cfg.DeleterOptions...)
	}

	return &Purger{
		client: client,
		engine: traversal.NewEngine(client, tokens, newDeleter, traversal.Config{Workers: cfg.Workers}),
		logger: logging.NewLogger(logging.ComponentPurge),
	}, nil
}

// Run starts the traversal at the root query and blocks until every page has
// been processed or the first fatal error occurs. No partial counts are
// reported on failure.
func (p *Purger) Run(ctx context.Context) error {
	runID := uuid.NewString()
	logger := p.logger.With().Str("run_id", runID).Logger()

	logger.Info().
		Str("server", p.client.BaseURL()).
		Msg("Starting purge")

	if err := p.engine.Run(ctx, fhir.RootQuery); err != nil {
		logger.Error().
			Err(err).
			Str("class", string(fhir.ClassOf(err))).
			Msg("Purge failed")
		return err
	}

	stats := p.engine.Stats()
	logger.Info().
		Int64("pages", stats.Pages).
		Int64("deleted", stats.Deleted).
		Dur("duration", stats.Duration).
		Msg("Purge complete")

	return nil
}

// Stats returns the counters of the last successful Run.
func (p *Purger) Stats() traversal.Stats {
	return p.engine.Stats()
}
