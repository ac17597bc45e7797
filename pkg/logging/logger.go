// Package logging configures the zerolog logger shared by every purge component.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelTrace additionally logs issuer retry internals.
	LevelTrace LogLevel = "trace"

	// LevelDebug logs every page and HTTP request.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs run start and summary.
	LevelInfo LogLevel = "info"

	// LevelWarn logs delete retries and cache degradation.
	LevelWarn LogLevel = "warn"

	// LevelError logs fatal failures only.
	LevelError LogLevel = "error"
)

// Component names used in the "component" field.
const (
	ComponentFHIRClient = "fhir-client"
	ComponentRetry      = "retry"
	ComponentTraversal  = "traversal"
	ComponentAuth       = "auth"
	ComponentPurge      = "purge"
	ComponentMetrics    = "metrics"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// ParseLevel validates a level name from configuration.
func ParseLevel(s string) (LogLevel, error) {
	switch LogLevel(strings.ToLower(strings.TrimSpace(s))) {
	case LevelTrace:
		return LevelTrace, nil
	case LevelDebug:
		return LevelDebug, nil
	case LevelInfo, "":
		return LevelInfo, nil
	case LevelWarn, "warning":
		return LevelWarn, nil
	case LevelError:
		return LevelError, nil
	default:
		return "", fmt.Errorf("unknown log level %q (want trace, debug, info, warn or error)", s)
	}
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(zerologLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// zerologLevel converts LogLevel to zerolog.Level, defaulting to info.
func zerologLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: per-request detail
//   - every FHIR GET/DELETE (method, url)
//   - page processed (query, deleted, has_next)
//   - token served from cache, worker stopping
//
// Info: run lifecycle
//   - purge start (server, run_id)
//   - purge complete (pages, deleted, duration)
//   - delete succeeded after a retry
//
// Warn: degraded but continuing
//   - delete failed, retrying after backoff
//   - token cache errors (falls back to the issuer)
//
// Error: fatal for the run
//   - token acquisition failed
//   - delete retries exhausted
//   - traversal failed, purge failed (class)
//
// Context Fields:
//   - run_id: one purge invocation
//   - query: relative search query of a page
//   - resource: Type/ID being deleted
//   - attempt, status, backoff: delete retry state
//   - worker_id: traversal worker
//   - class: failure class (auth, fetch, delete, unknown)
