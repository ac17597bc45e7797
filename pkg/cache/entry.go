package cache

import (
	"time"
)

// ExpirySkew is subtracted from a token's expiry before it is considered usable.
const ExpirySkew = 60 * time.Second

// TokenEntry is a cached bearer token.
type TokenEntry struct {
	// AccessToken is the bearer credential
	AccessToken string `json:"access_token"`

	// TokenType as reported by the issuer, usually "Bearer"
	TokenType string `json:"token_type"`

	// Expiry is when the issuer says the token stops being valid
	Expiry time.Time `json:"expiry"`

	// CachedAt is when we cached this token
	CachedAt time.Time `json:"cached_at"`
}

// IsExpired returns true if the token is within ExpirySkew of its expiry.
func (e *TokenEntry) IsExpired() bool {
	return e.TTL() <= 0
}

// TTL returns how long the token may still be handed out.
// Returns 0 if already expired.
func (e *TokenEntry) TTL() time.Duration {
	ttl := time.Until(e.Expiry) - ExpirySkew
	if ttl < 0 {
		return 0
	}
	return ttl
}
