// Package cache provides a Redis-backed bearer token cache so that
// concurrent purge processes against the same tenant share one token
// instead of each hitting the token issuer.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//
//	manager := cache.NewManager(redisClient)
//
//	key := cache.TokenKey{
//		Authority: "https://login.microsoftonline.com/contoso",
//		ClientID:  "purge-client",
//		Audience:  "https://fhir.example.com",
//	}
//
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// acquire a fresh token, then manager.Set(ctx, key, entry)
//	}
//
// Entries are stored with a Redis TTL equal to the token lifetime minus
// ExpirySkew, so a cached token is never handed out right before it expires.
//
// # Metrics
//
//   - fhir_purge_token_cache_hits_total
//   - fhir_purge_token_cache_misses_total
//   - fhir_purge_token_cache_errors_total{operation}
package cache
