package featurecache

import (
	"context"
	"sync"
	"time"
)

// MemoryTTL is the in-process first cache tier: a short-TTL map in front of
// the external cache. Expiry is lazy; a small cap bounds memory by evicting
// the oldest entry on insert.
type MemoryTTL struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	cap     int
	now     func() time.Time
}

type memEntry struct {
	values  Values
	expires time.Time
	stored  time.Time
}

// NewMemoryTTL creates an in-memory tier holding at most cap entries.
func NewMemoryTTL(cap int) *MemoryTTL {
	if cap <= 0 {
		cap = 1024
	}

	return &MemoryTTL{
		entries: make(map[string]memEntry),
		cap:     cap,
		now:     time.Now,
	}
}

var _ Cache = (*MemoryTTL)(nil)

func (m *MemoryTTL) Get(_ context.Context, key string) (Values, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok || m.now().After(e.expires) {
		return nil, false, nil
	}

	return e.values, true, nil
}

func (m *MemoryTTL) GetBatch(ctx context.Context, keys []string) (map[string]Values, error) {
	out := make(map[string]Values, len(keys))

	for _, k := range keys {
		if v, ok, _ := m.Get(ctx, k); ok {
			out[k] = v
		}
	}

	return out, nil
}

func (m *MemoryTTL) Set(_ context.Context, key string, v Values, ttl time.Duration) error {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[key]; !exists && len(m.entries) >= m.cap {
		m.evictOldestLocked(now)
	}

	m.entries[key] = memEntry{values: v, expires: now.Add(ttl), stored: now}

	return nil
}

// evictOldestLocked drops expired entries first, then the oldest live one.
func (m *MemoryTTL) evictOldestLocked(now time.Time) {
	var (
		oldestKey string
		oldestAt  time.Time
	)

	for k, e := range m.entries {
		if now.After(e.expires) {
			delete(m.entries, k)

			return
		}

		if oldestKey == "" || e.stored.Before(oldestAt) {
			oldestKey, oldestAt = k, e.stored
		}
	}

	if oldestKey != "" {
		delete(m.entries, oldestKey)
	}
}

func (m *MemoryTTL) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)

	return nil
}

func (m *MemoryTTL) Close() error { return nil }
