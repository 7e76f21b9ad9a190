// Package cache provides an optional Redis-backed L2 read-through cache
// for BacklogCacheEntry rows. The durable store's own backlog_cache table
// remains the source of truth offline; this cache only shortcuts reads
// while online.
package cache

import (
	"context"
	"time"
)

// Cache is the read-through cache contract.
type Cache interface {
	// Get fetches the value stored at key and deserializes it into dest.
	Get(ctx context.Context, key string, dest interface{}) error

	// Set stores value at key with the given TTL.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Delete removes the value stored at key.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// TTL returns the remaining time-to-live for key.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// HealthCheck verifies the cache is reachable and responsive.
	HealthCheck(ctx context.Context) error

	// Ping verifies the underlying connection.
	Ping(ctx context.Context) error
}

// Stats reports cache hit/miss counters.
type Stats struct {
	Hits    int64
	Misses  int64
	Sets    int64
	Deletes int64
	Errors  int64
}

// Config configures the Redis connection.
type Config struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

// Validate checks that Config has the minimum fields required to dial.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return ErrInvalidConfig
	}
	if c.PoolSize <= 0 {
		return ErrInvalidConfig
	}
	if c.DialTimeout <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// Sentinel cache errors.
var (
	ErrNotFound         = NewCacheError("key not found", "NOT_FOUND")
	ErrInvalidConfig    = NewCacheError("invalid cache configuration", "CONFIG_ERROR")
	ErrConnectionFailed = NewCacheError("connection failed", "CONNECTION_ERROR")
)

// Error is a typed cache error carrying a short machine-readable code.
type Error struct {
	Message string
	Code    string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// WithCause returns a copy of e with cause attached.
func (e *Error) WithCause(cause error) *Error {
	return &Error{Message: e.Message, Code: e.Code, Cause: cause}
}

// NewCacheError builds an *Error with no wrapped cause.
func NewCacheError(message, code string) *Error {
	return &Error{Message: message, Code: code}
}

// IsNotFound reports whether err is a cache miss.
func IsNotFound(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Code == "NOT_FOUND"
}

// IsConnectionError reports whether err is a connection failure.
func IsConnectionError(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Code == "CONNECTION_ERROR"
}
