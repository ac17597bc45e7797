// Package config loads and validates the purge configuration from command-line
// flags and environment variables.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/Sternrassler/fhir-purge/pkg/logging"
	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Configuration keys. Each is accepted as a flag (--FhirServerUrl), as an
// environment variable of the same name, or as its upper-snake alias.
const (
	KeyFhirServerURL     = "FhirServerUrl"
	KeyAuthority         = "Authority"
	KeyClientID          = "ClientId"
	KeyClientSecret      = "ClientSecret"
	KeyAudience          = "Audience"
	KeyScope             = "Scope"
	KeyWorkers           = "Workers"
	KeyLogLevel          = "log-level"
	KeyLogPretty         = "log-pretty"
	KeyMetricsAddr       = "metrics-addr"
	KeyRedisAddr         = "redis-addr"
	KeyRequestsPerSecond = "requests-per-second"
	KeyHTTPTimeout       = "http-timeout"
)

// Config is the validated purge configuration.
type Config struct {
	FhirServerURL string `key:"FhirServerUrl" validate:"notblank,url"`
	Authority     string `key:"Authority" validate:"notblank,url"`
	ClientID      string `key:"ClientId" validate:"notblank"`
	ClientSecret  string `key:"ClientSecret" validate:"notblank"`

	// Audience defaults to FhirServerURL when blank
	Audience string `key:"Audience" validate:"notblank"`

	// Scope switches the token request to v2-style scopes
	Scope string `key:"Scope"`

	Workers int `key:"Workers" validate:"gte=1"`

	LogLevel  logging.LogLevel `key:"log-level"`
	LogPretty bool             `key:"log-pretty"`

	MetricsAddr       string        `key:"metrics-addr" validate:"omitempty,hostname_port"`
	RedisAddr         string        `key:"redis-addr" validate:"omitempty,hostname_port"`
	RequestsPerSecond float64       `key:"requests-per-second" validate:"gte=0"`
	HTTPTimeout       time.Duration `key:"http-timeout" validate:"gt=0"`
}

// Default returns the configuration defaults.
func Default() Config {
	return Config{
		Workers:     4,
		LogLevel:    logging.LevelInfo,
		HTTPTimeout: 30 * time.Second,
	}
}

type binding struct {
	key   string
	env   []string
	usage string
}

var bindings = []binding{
	{KeyFhirServerURL, []string{"FhirServerUrl", "FHIR_SERVER_URL"}, "FHIR server base URL, searched from / and purged"},
	{KeyAuthority, []string{"Authority", "AUTHORITY"}, "token issuer authority, e.g. https://login.microsoftonline.com/{tenant}"},
	{KeyClientID, []string{"ClientId", "CLIENT_ID"}, "OAuth2 client id"},
	{KeyClientSecret, []string{"ClientSecret", "CLIENT_SECRET"}, "OAuth2 client secret"},
	{KeyAudience, []string{"Audience", "AUDIENCE"}, "token audience (defaults to FhirServerUrl)"},
	{KeyScope, []string{"Scope", "SCOPE"}, "OAuth2 scope, sent instead of the resource parameter when set"},
	{KeyWorkers, []string{"Workers", "WORKERS"}, "number of pages processed concurrently"},
	{KeyLogLevel, []string{"LOG_LEVEL"}, "log level (trace, debug, info, warn, error)"},
	{KeyLogPretty, []string{"LOG_PRETTY"}, "human-readable console logs instead of JSON"},
	{KeyMetricsAddr, []string{"METRICS_ADDR"}, "host:port to serve Prometheus metrics on (disabled when empty)"},
	{KeyRedisAddr, []string{"REDIS_ADDR"}, "Redis host:port for a shared token cache (disabled when empty)"},
	{KeyRequestsPerSecond, []string{"REQUESTS_PER_SECOND"}, "FHIR request pacing, 0 for unlimited"},
	{KeyHTTPTimeout, []string{"HTTP_TIMEOUT"}, "timeout per HTTP request"},
}

// BindFlags registers every configuration flag on flags and binds flags and
// environment variables to v. Flags take precedence over the environment.
func BindFlags(flags *pflag.FlagSet, v *viper.Viper) error {
	defaults := Default()

	for _, b := range bindings {
		switch b.key {
		case KeyWorkers:
			flags.Int(b.key, defaults.Workers, b.usage)
		case KeyLogLevel:
			flags.String(b.key, string(defaults.LogLevel), b.usage)
		case KeyLogPretty:
			flags.Bool(b.key, defaults.LogPretty, b.usage)
		case KeyRequestsPerSecond:
			flags.Float64(b.key, defaults.RequestsPerSecond, b.usage)
		case KeyHTTPTimeout:
			flags.Duration(b.key, defaults.HTTPTimeout, b.usage)
		default:
			flags.String(b.key, "", b.usage)
		}

		if err := v.BindPFlag(b.key, flags.Lookup(b.key)); err != nil {
			return fmt.Errorf("bind flag %s: %w", b.key, err)
		}
		if err := v.BindEnv(append([]string{b.key}, b.env...)...); err != nil {
			return fmt.Errorf("bind env %s: %w", b.key, err)
		}
	}

	return nil
}

// Load reads the configuration from v, applies defaults, and validates it.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		FhirServerURL:     strings.TrimSpace(v.GetString(KeyFhirServerURL)),
		Authority:         strings.TrimSpace(v.GetString(KeyAuthority)),
		ClientID:          strings.TrimSpace(v.GetString(KeyClientID)),
		ClientSecret:      v.GetString(KeyClientSecret),
		Audience:          strings.TrimSpace(v.GetString(KeyAudience)),
		Scope:             strings.TrimSpace(v.GetString(KeyScope)),
		Workers:           v.GetInt(KeyWorkers),
		LogPretty:         v.GetBool(KeyLogPretty),
		MetricsAddr:       strings.TrimSpace(v.GetString(KeyMetricsAddr)),
		RedisAddr:         strings.TrimSpace(v.GetString(KeyRedisAddr)),
		RequestsPerSecond: v.GetFloat64(KeyRequestsPerSecond),
		HTTPTimeout:       v.GetDuration(KeyHTTPTimeout),
	}

	level, err := logging.ParseLevel(v.GetString(KeyLogLevel))
	if err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	cfg.LogLevel = level

	if cfg.Audience == "" {
		cfg.Audience = cfg.FhirServerURL
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required keys and value ranges.
func (c Config) Validate() error {
	err := newValidator().Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

func newValidator() *validator.Validate {
	validate := validator.New(validator.WithRequiredStructEnabled())
	// registration only fails for an empty tag name
	_ = validate.RegisterValidation("notblank", validators.NotBlank)
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		return f.Tag.Get("key")
	})
	return validate
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "notblank":
		return fe.Field() + " is required"
	case "url":
		return fe.Field() + " must be an absolute URL"
	case "hostname_port":
		return fe.Field() + " must be host:port"
	case "gte":
		return fmt.Sprintf("%s must be >= %s", fe.Field(), fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be > %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}
