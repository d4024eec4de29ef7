// Package featurecache provides the online feature value cache used by the
// inference service. The cache is advisory: a miss means the caller
// recomputes from recent raw data, never a failed prediction.
//
// Values are keyed by entity (e.g. a user id) and hold the precomputed
// feature map for that entity. Entries carry a TTL so stale aggregates age
// out on their own.
package featurecache

import (
	"context"
	"time"
)

// Values is one entity's cached feature map.
type Values map[string]float64

// Cache is the feature value store contract. Get and GetBatch misses are not
// errors: absent keys return ok=false / are omitted from the batch result.
type Cache interface {
	Get(ctx context.Context, key string) (Values, bool, error)
	// GetBatch fetches many keys in a single round trip. The result maps
	// only the keys that were present.
	GetBatch(ctx context.Context, keys []string) (map[string]Values, error)
	Set(ctx context.Context, key string, v Values, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}
