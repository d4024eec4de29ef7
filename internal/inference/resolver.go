package inference

import (
	"context"
	"log/slog"
	"time"

	"github.com/modelplane-io/modelplane/internal/featurecache"
)

// FeatureResolver supplies feature values the request did not carry, keyed by
// entity (typically the user id). The degraded flag reports that the values
// came from a fallback path (recompute after a cache miss, or a cache tier
// failure) and is propagated onto the prediction record.
type FeatureResolver interface {
	Resolve(ctx context.Context, key string, missing []string) (featurecache.Values, bool, error)
}

// RecomputeFunc rebuilds feature values from recent raw data on a cache miss.
type RecomputeFunc func(ctx context.Context, key string, missing []string) (featurecache.Values, error)

// CacheResolver resolves features from the cache tiers and falls back to
// recomputation, all under one deadline so a slow tier cannot blow the
// serving latency budget.
type CacheResolver struct {
	cache     featurecache.Cache
	recompute RecomputeFunc
	timeout   time.Duration
	logger    *slog.Logger
}

const defaultResolveTimeout = 50 * time.Millisecond

// NewCacheResolver wires the resolver. recompute may be nil; timeout <= 0
// applies the 50ms default.
func NewCacheResolver(cache featurecache.Cache, recompute RecomputeFunc, timeout time.Duration, logger *slog.Logger) *CacheResolver {
	if timeout <= 0 {
		timeout = defaultResolveTimeout
	}

	return &CacheResolver{cache: cache, recompute: recompute, timeout: timeout, logger: logger}
}

// Resolve fetches the missing features. Cached values that cover every
// missing name are a clean hit; anything served through recomputation marks
// the result degraded. Names neither cached nor recomputable are absent from
// the result, the caller decides whether that fails the prediction.
func (r *CacheResolver) Resolve(ctx context.Context, key string, missing []string) (featurecache.Values, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	out := featurecache.Values{}
	degraded := false

	cached, ok, err := r.cache.Get(ctx, key)
	if err != nil {
		// The cache is advisory; a tier failure degrades, never fails.
		r.logger.Warn("feature cache lookup failed",
			slog.String("key", key),
			slog.String("error", err.Error()))

		degraded = true
	}

	still := missing[:0:0]

	for _, name := range missing {
		if ok {
			if v, found := cached[name]; found {
				out[name] = v

				continue
			}
		}

		still = append(still, name)
	}

	if len(still) == 0 {
		return out, degraded, nil
	}

	if r.recompute == nil {
		return out, true, nil
	}

	recomputed, err := r.recompute(ctx, key, still)
	if err != nil {
		r.logger.Warn("feature recompute failed",
			slog.String("key", key),
			slog.String("error", err.Error()))

		return out, true, nil
	}

	for name, v := range recomputed {
		out[name] = v
	}

	// Write back so the next lookup hits. Best effort.
	merged := featurecache.Values{}
	for name, v := range cached {
		merged[name] = v
	}

	for name, v := range recomputed {
		merged[name] = v
	}

	if err := r.cache.Set(ctx, key, merged, 5*time.Minute); err != nil {
		r.logger.Warn("feature cache write-back failed",
			slog.String("key", key),
			slog.String("error", err.Error()))
	}

	return out, true, nil
}
