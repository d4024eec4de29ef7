package featurecache

import (
	"context"
	"log/slog"
	"time"
)

// Layered chains the in-memory tier in front of the external cache. Reads
// check memory first and promote remote hits; writes go to both tiers.
//
// Remote errors degrade to a miss: the external cache being down must never
// fail a lookup, the caller falls through to recompute.
type Layered struct {
	memory    *MemoryTTL
	remote    Cache
	memoryTTL time.Duration
	logger    *slog.Logger
}

var _ Cache = (*Layered)(nil)

// NewLayered builds the two-tier cache. memoryTTL bounds how stale the
// in-process tier may serve an entry the remote tier has since replaced.
func NewLayered(memory *MemoryTTL, remote Cache, memoryTTL time.Duration, logger *slog.Logger) *Layered {
	return &Layered{memory: memory, remote: remote, memoryTTL: memoryTTL, logger: logger}
}

func (l *Layered) Get(ctx context.Context, key string) (Values, bool, error) {
	if v, ok, _ := l.memory.Get(ctx, key); ok {
		return v, true, nil
	}

	v, ok, err := l.remote.Get(ctx, key)
	if err != nil {
		l.logger.Warn("feature cache lookup degraded to miss",
			slog.String("key", key),
			slog.String("error", err.Error()))

		return nil, false, nil
	}

	if ok {
		_ = l.memory.Set(ctx, key, v, l.memoryTTL)
	}

	return v, ok, nil
}

func (l *Layered) GetBatch(ctx context.Context, keys []string) (map[string]Values, error) {
	out, _ := l.memory.GetBatch(ctx, keys)

	var missing []string

	for _, k := range keys {
		if _, ok := out[k]; !ok {
			missing = append(missing, k)
		}
	}

	if len(missing) == 0 {
		return out, nil
	}

	remote, err := l.remote.GetBatch(ctx, missing)
	if err != nil {
		l.logger.Warn("feature cache batch lookup degraded",
			slog.Int("missing", len(missing)),
			slog.String("error", err.Error()))

		return out, nil
	}

	for k, v := range remote {
		out[k] = v
		_ = l.memory.Set(ctx, k, v, l.memoryTTL)
	}

	return out, nil
}

func (l *Layered) Set(ctx context.Context, key string, v Values, ttl time.Duration) error {
	_ = l.memory.Set(ctx, key, v, l.memoryTTL)

	return l.remote.Set(ctx, key, v, ttl)
}

func (l *Layered) Delete(ctx context.Context, key string) error {
	_ = l.memory.Delete(ctx, key)

	return l.remote.Delete(ctx, key)
}

func (l *Layered) Close() error {
	return l.remote.Close()
}
