package config

import (
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/fhir-purge/pkg/logging"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func newBound(t *testing.T, args ...string) *viper.Viper {
	t.Helper()

	v := viper.New()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	if err := BindFlags(flags, v); err != nil {
		t.Fatalf("BindFlags() error = %v", err)
	}
	if err := flags.Parse(args); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return v
}

var requiredArgs = []string{
	"--FhirServerUrl=https://fhir.example.com",
	"--Authority=https://login.example.com/tenant",
	"--ClientId=purge",
	"--ClientSecret=s3cret",
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(newBound(t, requiredArgs...))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Workers != 4 {
		t.Errorf("Workers = %d, want 4", cfg.Workers)
	}
	if cfg.Audience != "https://fhir.example.com" {
		t.Errorf("Audience = %q, want FhirServerUrl", cfg.Audience)
	}
	if cfg.LogLevel != logging.LevelInfo {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.HTTPTimeout != 30*time.Second {
		t.Errorf("HTTPTimeout = %v, want 30s", cfg.HTTPTimeout)
	}
	if cfg.MetricsAddr != "" || cfg.RedisAddr != "" || cfg.RequestsPerSecond != 0 {
		t.Errorf("optional features should be off by default: %+v", cfg)
	}
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("FhirServerUrl", "https://fhir.example.com")
	t.Setenv("AUTHORITY", "https://login.example.com/tenant")
	t.Setenv("CLIENT_ID", "purge")
	t.Setenv("ClientSecret", "s3cret")
	t.Setenv("Audience", "api://fhir")
	t.Setenv("WORKERS", "8")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(newBound(t))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.ClientID != "purge" || cfg.ClientSecret != "s3cret" {
		t.Errorf("credentials not read from env: %+v", cfg)
	}
	if cfg.Audience != "api://fhir" {
		t.Errorf("Audience = %q", cfg.Audience)
	}
	if cfg.Workers != 8 {
		t.Errorf("Workers = %d, want 8", cfg.Workers)
	}
	if cfg.LogLevel != logging.LevelDebug {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestLoad_FlagOverridesEnv(t *testing.T) {
	t.Setenv("WORKERS", "8")

	cfg, err := Load(newBound(t, append(requiredArgs, "--Workers=2")...))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Workers != 2 {
		t.Errorf("Workers = %d, want 2", cfg.Workers)
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		errorMsg string
	}{
		{
			name:     "missing server url",
			args:     []string{"--Authority=https://login.example.com", "--ClientId=a", "--ClientSecret=b"},
			errorMsg: "FhirServerUrl is required",
		},
		{
			name:     "blank client id",
			args:     []string{"--FhirServerUrl=https://fhir.example.com", "--Authority=https://login.example.com", "--ClientId=   ", "--ClientSecret=b"},
			errorMsg: "ClientId is required",
		},
		{
			name:     "missing secret",
			args:     []string{"--FhirServerUrl=https://fhir.example.com", "--Authority=https://login.example.com", "--ClientId=a"},
			errorMsg: "ClientSecret is required",
		},
		{
			name:     "relative authority",
			args:     []string{"--FhirServerUrl=https://fhir.example.com", "--Authority=login", "--ClientId=a", "--ClientSecret=b"},
			errorMsg: "Authority must be an absolute URL",
		},
		{
			name:     "zero workers",
			args:     append(append([]string{}, requiredArgs...), "--Workers=0"),
			errorMsg: "Workers must be >= 1",
		},
		{
			name:     "negative pacing",
			args:     append(append([]string{}, requiredArgs...), "--requests-per-second=-1"),
			errorMsg: "requests-per-second must be >= 0",
		},
		{
			name:     "bad redis addr",
			args:     append(append([]string{}, requiredArgs...), "--redis-addr=localhost"),
			errorMsg: "redis-addr must be host:port",
		},
		{
			name:     "unknown log level",
			args:     append(append([]string{}, requiredArgs...), "--log-level=loud"),
			errorMsg: "unknown log level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(newBound(t, tt.args...))
			if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("Load() error = %v, want %q", err, tt.errorMsg)
			}
		})
	}
}

func TestLoad_OptionalFeatures(t *testing.T) {
	args := append(append([]string{}, requiredArgs...),
		"--metrics-addr=:9090",
		"--redis-addr=localhost:6379",
		"--requests-per-second=20",
		"--http-timeout=5s",
		"--Scope=https://fhir.example.com/.default",
	)

	cfg, err := Load(newBound(t, args...))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.MetricsAddr != ":9090" || cfg.RedisAddr != "localhost:6379" {
		t.Errorf("addrs = %q, %q", cfg.MetricsAddr, cfg.RedisAddr)
	}
	if cfg.RequestsPerSecond != 20 || cfg.HTTPTimeout != 5*time.Second {
		t.Errorf("pacing/timeout = %v, %v", cfg.RequestsPerSecond, cfg.HTTPTimeout)
	}
	if cfg.Scope != "https://fhir.example.com/.default" {
		t.Errorf("Scope = %q", cfg.Scope)
	}
}
