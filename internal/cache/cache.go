// Package cache holds the model-catalog cache. The downstream catalog
// changes rarely, so list-models responses are cached per routing method for
// a short TTL instead of hitting the control-plane endpoint on every call.
//
// Two interchangeable backends:
//   - MemoryCache — in-process, for single-instance deployments and tests.
//   - RedisCache  — shared across replicas.
package cache

import (
	"context"
	"time"
)

// DefaultTTL is how long a cached catalog stays valid.
const DefaultTTL = 5 * time.Minute

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Key builds the cache key for an operation on a routing method, e.g.
// Key("models", "vpn") → "catalog:models:vpn".
func Key(op, routingMethod string) string {
	return "catalog:" + op + ":" + routingMethod
}
