// Package auth acquires bearer tokens for the FHIR server.
//
// Suppliers are safe for concurrent use. The purge engine calls Token once per
// page and reuses the result for every delete of that page; caching and refresh
// happen inside the supplier.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Sternrassler/fhir-purge/pkg/cache"
	"github.com/Sternrassler/fhir-purge/pkg/fhir"
	"github.com/Sternrassler/fhir-purge/pkg/logging"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// TokenSupplier produces a bearer credential on demand.
type TokenSupplier interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSupplier that always returns the same token.
type StaticToken string

// Token implements TokenSupplier.
func (s StaticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", &fhir.AuthError{Err: errors.New("empty static token")}
	}
	return string(s), nil
}

// ClientCredentialsConfig describes a confidential client registered with the issuer.
type ClientCredentialsConfig struct {
	// Authority is the issuer, e.g. "https://login.microsoftonline.com/{tenant}".
	// "/oauth2/token" is appended unless it already ends in "/token".
	Authority string

	ClientID     string
	ClientSecret string

	// Audience is sent as the v1 "resource" parameter
	Audience string

	// Scope switches to v2-style scope requests when set
	Scope string

	// Timeout per issuer request
	Timeout time.Duration

	// RetryMax bounds issuer retries on 5xx/429/network errors
	RetryMax int
}

// Supplier hands out tokens from an oauth2.TokenSource, optionally through a
// shared Redis cache.
type Supplier struct {
	source oauth2.TokenSource
	cache  *cache.Manager
	key    cache.TokenKey
	logger zerolog.Logger
}

// Option configures a Supplier.
type Option func(*Supplier)

// WithCache shares tokens through a Redis-backed cache.
func WithCache(manager *cache.Manager) Option {
	return func(s *Supplier) {
		s.cache = manager
	}
}

// NewSupplier wraps an existing token source. key identifies its tokens in the cache.
func NewSupplier(source oauth2.TokenSource, key cache.TokenKey, opts ...Option) *Supplier {
	s := &Supplier{
		source: source,
		key:    key,
		logger: logging.NewLogger(logging.ComponentAuth),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewClientCredentials creates a Supplier running the OAuth2 client credentials grant.
func NewClientCredentials(cfg ClientCredentialsConfig, opts ...Option) (*Supplier, error) {
	if strings.TrimSpace(cfg.Authority) == "" {
		return nil, fmt.Errorf("authority is required")
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, fmt.Errorf("client id is required")
	}
	if strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, fmt.Errorf("client secret is required")
	}
	if strings.TrimSpace(cfg.Audience) == "" && strings.TrimSpace(cfg.Scope) == "" {
		return nil, fmt.Errorf("audience or scope is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}

	logger := logging.NewLogger(logging.ComponentAuth)

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     TokenURL(cfg.Authority),
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	if cfg.Scope != "" {
		cc.Scopes = []string{cfg.Scope}
	} else {
		cc.EndpointParams = url.Values{"resource": {cfg.Audience}}
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.RetryMax
	retryClient.HTTPClient.Timeout = cfg.Timeout
	retryClient.Logger = leveledLogger{logger: logger}

	// the token source keeps this context for every refresh
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, retryClient.StandardClient())

	key := cache.TokenKey{
		Authority: cfg.Authority,
		ClientID:  cfg.ClientID,
		Audience:  cfg.Audience,
		Scope:     cfg.Scope,
	}

	return NewSupplier(cc.TokenSource(ctx), key, opts...), nil
}

// TokenURL derives the token endpoint from an authority.
func TokenURL(authority string) string {
	a := strings.TrimRight(strings.TrimSpace(authority), "/")
	if strings.HasSuffix(a, "/token") {
		return a
	}
	return a + "/oauth2/token"
}

// Token implements TokenSupplier. Failures are *fhir.AuthError.
func (s *Supplier) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if s.cache != nil {
		entry, err := s.cache.Get(ctx, s.key)
		if err == nil {
			s.logger.Debug().Msg("Token served from cache")
			return entry.AccessToken, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			s.logger.Warn().Err(err).Msg("Token cache get error")
		}
	}

	tok, err := s.source.Token()
	if err != nil {
		s.logger.Error().Err(err).Msg("Token acquisition failed")
		return "", &fhir.AuthError{Err: err}
	}
	if tok.AccessToken == "" || !tok.Valid() {
		return "", &fhir.AuthError{Err: errors.New("issuer returned an unusable token")}
	}

	if s.cache != nil && !tok.Expiry.IsZero() {
		entry := &cache.TokenEntry{
			AccessToken: tok.AccessToken,
			TokenType:   tok.Type(),
			Expiry:      tok.Expiry,
			CachedAt:    time.Now(),
		}
		if err := s.cache.Set(ctx, s.key, entry); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to cache token")
		}
	}

	return tok.AccessToken, nil
}

// leveledLogger adapts zerolog to retryablehttp.LeveledLogger.
type leveledLogger struct {
	logger zerolog.Logger
}

var _ retryablehttp.LeveledLogger = leveledLogger{}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Trace().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn().Fields(keysAndValues).Msg(msg)
}
