package cache

import (
	"strings"
)

// keyPrefix namespaces every token cache key.
const keyPrefix = "fhir-purge:token"

// TokenKey identifies the credential a cached token was issued for.
type TokenKey struct {
	// Authority is the token issuer endpoint
	Authority string

	// ClientID is the confidential client the token was issued to
	ClientID string

	// Audience is the resource the token is valid for
	Audience string

	// Scope is set when v2-style scopes are requested instead of a resource
	Scope string
}

// String generates a deterministic cache key string.
// Format: fhir-purge:token:authority=...:client=...:audience=...[:scope=...]
func (k TokenKey) String() string {
	parts := []string{
		keyPrefix,
		"authority=" + strings.TrimRight(k.Authority, "/"),
		"client=" + k.ClientID,
		"audience=" + strings.TrimRight(k.Audience, "/"),
	}

	if k.Scope != "" {
		parts = append(parts, "scope="+k.Scope)
	}

	return strings.Join(parts, ":")
}
