package featurecache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/modelplane-io/modelplane/internal/config"
	"github.com/modelplane-io/modelplane/internal/fault"
)

const keyPrefix = "mp:features:"

// Redis is the external feature cache backed by go-redis. Values are JSON
// maps under TTL keys; the server should run with a volatile-lru eviction
// policy so hot entries survive pressure.
type Redis struct {
	client redis.UniversalClient
	logger *slog.Logger
}

var _ Cache = (*Redis)(nil)

// RedisConfig holds the cache connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LoadRedisConfig reads the cache configuration from ENV:
//
//	REDIS_ADDR     - host:port (default localhost:6379)
//	REDIS_PASSWORD - optional password
//	REDIS_DB       - database index (default 0)
func LoadRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:     config.GetEnvStr("REDIS_ADDR", "localhost:6379"),
		Password: config.GetEnvStr("REDIS_PASSWORD", ""),
		DB:       config.GetEnvInt("REDIS_DB", 0),
	}
}

// NewRedis connects to the cache and verifies the connection with a ping.
func NewRedis(ctx context.Context, cfg *RedisConfig, logger *slog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fault.Unavailable(err, "connecting to feature cache at %s", cfg.Addr)
	}

	logger.Info("feature cache connected", slog.String("addr", cfg.Addr))

	return &Redis{client: client, logger: logger}, nil
}

// NewRedisWithClient wraps an existing client. Used by tests with miniredis.
func NewRedisWithClient(client redis.UniversalClient, logger *slog.Logger) *Redis {
	return &Redis{client: client, logger: logger}
}

func (r *Redis) Get(ctx context.Context, key string) (Values, bool, error) {
	raw, err := r.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fault.Unavailable(err, "reading feature cache key %s", key)
	}

	var v Values
	if err := json.Unmarshal(raw, &v); err != nil {
		// A malformed entry is treated as a miss; the caller recomputes
		// and overwrites it.
		r.logger.Warn("dropping malformed feature cache entry", slog.String("key", key))

		return nil, false, nil
	}

	return v, true, nil
}

// GetBatch uses a single MGET round trip. Absent and malformed keys are
// omitted from the result.
func (r *Redis) GetBatch(ctx context.Context, keys []string) (map[string]Values, error) {
	if len(keys) == 0 {
		return map[string]Values{}, nil
	}

	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = keyPrefix + k
	}

	raws, err := r.client.MGet(ctx, prefixed...).Result()
	if err != nil {
		return nil, fault.Unavailable(err, "batch reading %d feature cache keys", len(keys))
	}

	out := make(map[string]Values, len(keys))

	for i, raw := range raws {
		s, ok := raw.(string)
		if !ok {
			continue // nil reply: key absent
		}

		var v Values
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			continue
		}

		out[keys[i]] = v
	}

	return out, nil
}

func (r *Redis) Set(ctx context.Context, key string, v Values, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fault.Internal(err, "marshaling feature values for %s", key)
	}

	if err := r.client.Set(ctx, keyPrefix+key, raw, ttl).Err(); err != nil {
		return fault.Unavailable(err, "writing feature cache key %s", key)
	}

	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fault.Unavailable(err, "deleting feature cache key %s", key)
	}

	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
