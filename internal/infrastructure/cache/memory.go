package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMemoryCacheSize bounds the in-process cache when no size is given.
const DefaultMemoryCacheSize = 1024

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryCache is a Cache implementation backed by a bounded in-process
// LRU. It is the fallback L2 when Redis is disabled or unreachable: same
// read-through semantics, no cross-process sharing, entries lost on
// restart (the durable store's backlog_cache table remains authoritative).
type MemoryCache struct {
	entries *lru.Cache[string, memoryEntry]
	logger  *slog.Logger
}

// NewMemoryCache builds a MemoryCache holding at most size entries.
// A size <= 0 falls back to DefaultMemoryCacheSize.
func NewMemoryCache(size int, logger *slog.Logger) (*MemoryCache, error) {
	if size <= 0 {
		size = DefaultMemoryCacheSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	entries, err := lru.New[string, memoryEntry](size)
	if err != nil {
		return nil, NewCacheError("failed to build lru cache", "CONFIG_ERROR").WithCause(err)
	}

	logger.Info("using in-process lru cache", "size", size)

	return &MemoryCache{entries: entries, logger: logger}, nil
}

// Get fetches the value at key and unmarshals it into dest. Expired
// entries are dropped on read.
func (mc *MemoryCache) Get(_ context.Context, key string, dest interface{}) error {
	entry, ok := mc.entries.Get(key)
	if !ok {
		return ErrNotFound
	}
	if entry.expired(time.Now()) {
		mc.entries.Remove(key)
		return ErrNotFound
	}

	if err := json.Unmarshal(entry.data, dest); err != nil {
		return NewCacheError("failed to unmarshal cache value", "UNMARSHAL_ERROR").WithCause(err)
	}

	return nil
}

// Set stores value at key, serialized as JSON, with the given TTL. A TTL
// of zero or less means the entry lives until evicted by LRU pressure.
func (mc *MemoryCache) Set(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return NewCacheError("failed to marshal cache value", "MARSHAL_ERROR").WithCause(err)
	}

	entry := memoryEntry{data: data}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	mc.entries.Add(key, entry)

	return nil
}

// Delete removes the value stored at key.
func (mc *MemoryCache) Delete(_ context.Context, key string) error {
	if !mc.entries.Remove(key) {
		return ErrNotFound
	}
	return nil
}

// Exists reports whether key is present and unexpired.
func (mc *MemoryCache) Exists(_ context.Context, key string) (bool, error) {
	entry, ok := mc.entries.Get(key)
	if !ok {
		return false, nil
	}
	if entry.expired(time.Now()) {
		mc.entries.Remove(key)
		return false, nil
	}
	return true, nil
}

// TTL returns the remaining time-to-live for key. Entries stored without
// a TTL report a negative duration, matching Redis's -1 convention.
func (mc *MemoryCache) TTL(_ context.Context, key string) (time.Duration, error) {
	entry, ok := mc.entries.Get(key)
	if !ok {
		return 0, ErrNotFound
	}
	if entry.expiresAt.IsZero() {
		return -1, nil
	}
	remaining := time.Until(entry.expiresAt)
	if remaining <= 0 {
		mc.entries.Remove(key)
		return 0, ErrNotFound
	}
	return remaining, nil
}

// HealthCheck always succeeds; there is no connection to lose.
func (mc *MemoryCache) HealthCheck(_ context.Context) error { return nil }

// Ping always succeeds.
func (mc *MemoryCache) Ping(_ context.Context) error { return nil }

// Flush clears the whole cache. Used only by test harnesses.
func (mc *MemoryCache) Flush(_ context.Context) error {
	mc.entries.Purge()
	return nil
}

// Len reports the current number of entries, including any not yet
// evicted on read after expiry.
func (mc *MemoryCache) Len() int { return mc.entries.Len() }
