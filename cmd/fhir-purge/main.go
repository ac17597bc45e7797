// Command fhir-purge hard-deletes every resource a FHIR server returns from
// its root search, following next links with a bounded pool of workers.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/fhir-purge/internal/config"
	"github.com/Sternrassler/fhir-purge/pkg/auth"
	"github.com/Sternrassler/fhir-purge/pkg/cache"
	"github.com/Sternrassler/fhir-purge/pkg/fhir"
	"github.com/Sternrassler/fhir-purge/pkg/logging"
	"github.com/Sternrassler/fhir-purge/pkg/metrics"
	"github.com/Sternrassler/fhir-purge/pkg/purge"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

// issuerRetries bounds token endpoint retries on 5xx/429/network errors.
const issuerRetries = 3

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}

// execute runs the command and maps the outcome to a process exit code.
func execute(ctx context.Context, args []string, stderr io.Writer) int {
	cmd := newRootCommand(stderr)
	cmd.SetArgs(args)
	cmd.SetOut(stderr)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	if class := fhir.ClassOf(err); class != fhir.ErrorClassUnknown {
		fmt.Fprintf(stderr, "fhir-purge: %s failure: %v\n", class, err)
	} else {
		fmt.Fprintf(stderr, "fhir-purge: %v\n", err)
	}
	return 1
}

func newRootCommand(stderr io.Writer) *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:           "fhir-purge",
		Short:         "Hard-delete every resource returned by a FHIR server's root search",
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, stderr)
		},
	}

	if err := config.BindFlags(cmd.Flags(), v); err != nil {
		panic("failed to bind flags: " + err.Error())
	}

	return cmd
}

func run(ctx context.Context, cfg config.Config, stderr io.Writer) error {
	logger := logging.Setup(logging.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
		Output: stderr,
	})

	if cfg.MetricsAddr != "" {
		srv := metrics.NewServer(cfg.MetricsAddr)
		srv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("Metrics server shutdown failed")
			}
		}()
	}

	var authOpts []auth.Option
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("Redis unavailable, token cache disabled")
		} else {
			logger.Info().Str("addr", cfg.RedisAddr).Msg("Connected to Redis token cache")
			authOpts = append(authOpts, auth.WithCache(cache.NewManager(redisClient)))
		}
	}

	tokens, err := auth.NewClientCredentials(auth.ClientCredentialsConfig{
		Authority:    cfg.Authority,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Audience:     cfg.Audience,
		Scope:        cfg.Scope,
		Timeout:      cfg.HTTPTimeout,
		RetryMax:     issuerRetries,
	}, authOpts...)
	if err != nil {
		return fmt.Errorf("configure token supplier: %w", err)
	}

	purgeCfg := purge.DefaultConfig(cfg.FhirServerURL)
	purgeCfg.Workers = cfg.Workers
	purgeCfg.Client.UserAgent = "fhir-purge/" + version
	purgeCfg.Client.Timeout = cfg.HTTPTimeout
	purgeCfg.Client.RequestsPerSecond = cfg.RequestsPerSecond

	purger, err := purge.New(purgeCfg, tokens)
	if err != nil {
		return err
	}

	err = purger.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Warn().Msg("Purge interrupted")
	}
	return err
}
