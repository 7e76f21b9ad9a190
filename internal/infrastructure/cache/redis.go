package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is a Cache implementation backed by Redis.
type RedisCache struct {
	client   *redis.Client
	config   *Config
	logger   *slog.Logger
	isClosed bool
}

// NewRedisCache dials Redis and verifies the connection before returning.
func NewRedisCache(config *Config, logger *slog.Logger) (*RedisCache, error) {
	if config == nil {
		config = &Config{
			Addr:     "localhost:6379",
			PoolSize: 10,
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		MaxRetries:   config.MaxRetries,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Error("failed to connect to redis", "error", err, "addr", config.Addr)
		return nil, ErrConnectionFailed.WithCause(err)
	}

	logger.Info("connected to redis cache", "addr", config.Addr, "db", config.DB)

	return &RedisCache{
		client: client,
		config: config,
		logger: logger,
	}, nil
}

// Get fetches the value at key and unmarshals it into dest.
func (rc *RedisCache) Get(ctx context.Context, key string, dest interface{}) error {
	if rc.isClosed {
		return ErrConnectionFailed
	}

	val, err := rc.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return ErrNotFound
		}
		return NewCacheError("failed to get value from cache", "GET_ERROR").WithCause(err)
	}

	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return NewCacheError("failed to unmarshal cache value", "UNMARSHAL_ERROR").WithCause(err)
	}

	return nil
}

// Set stores value at key, serialized as JSON, with the given TTL.
func (rc *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if rc.isClosed {
		return ErrConnectionFailed
	}

	data, err := json.Marshal(value)
	if err != nil {
		return NewCacheError("failed to marshal cache value", "MARSHAL_ERROR").WithCause(err)
	}

	if err := rc.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return NewCacheError("failed to set value in cache", "SET_ERROR").WithCause(err)
	}

	return nil
}

// Delete removes the value stored at key.
func (rc *RedisCache) Delete(ctx context.Context, key string) error {
	if rc.isClosed {
		return ErrConnectionFailed
	}

	result, err := rc.client.Del(ctx, key).Result()
	if err != nil {
		return NewCacheError("failed to delete value from cache", "DELETE_ERROR").WithCause(err)
	}

	if result == 0 {
		return ErrNotFound
	}

	return nil
}

// Exists reports whether key is present.
func (rc *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	if rc.isClosed {
		return false, ErrConnectionFailed
	}

	result, err := rc.client.Exists(ctx, key).Result()
	if err != nil {
		return false, NewCacheError("failed to check key existence", "EXISTS_ERROR").WithCause(err)
	}

	return result > 0, nil
}

// TTL returns the remaining time-to-live for key.
func (rc *RedisCache) TTL(ctx context.Context, key string) (time.Duration, error) {
	if rc.isClosed {
		return 0, ErrConnectionFailed
	}

	ttl, err := rc.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, NewCacheError("failed to get ttl", "TTL_ERROR").WithCause(err)
	}

	return ttl, nil
}

// Expire sets the TTL on an existing key.
func (rc *RedisCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if rc.isClosed {
		return ErrConnectionFailed
	}

	result, err := rc.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		return NewCacheError("failed to set ttl", "EXPIRE_ERROR").WithCause(err)
	}

	if !result {
		return ErrNotFound
	}

	return nil
}

// HealthCheck verifies the Redis connection is alive.
func (rc *RedisCache) HealthCheck(ctx context.Context) error {
	if rc.isClosed {
		return ErrConnectionFailed
	}

	if err := rc.client.Ping(ctx).Err(); err != nil {
		return NewCacheError("cache health check failed", "HEALTH_CHECK_ERROR").WithCause(err)
	}

	return nil
}

// Ping verifies the underlying connection.
func (rc *RedisCache) Ping(ctx context.Context) error {
	if rc.isClosed {
		return ErrConnectionFailed
	}

	return rc.client.Ping(ctx).Err()
}

// Flush clears the whole cache. Used only by test harnesses.
func (rc *RedisCache) Flush(ctx context.Context) error {
	if rc.isClosed {
		return ErrConnectionFailed
	}

	if err := rc.client.FlushAll(ctx).Err(); err != nil {
		return NewCacheError("failed to flush cache", "FLUSH_ERROR").WithCause(err)
	}

	return nil
}

// Close releases the underlying Redis connection. Idempotent.
func (rc *RedisCache) Close() error {
	if rc.isClosed {
		return nil
	}

	rc.isClosed = true
	if err := rc.client.Close(); err != nil {
		return NewCacheError("failed to close redis connection", "CLOSE_ERROR").WithCause(err)
	}

	return nil
}

// GetClient exposes the underlying Redis client for callers that need
// operations outside the Cache interface.
func (rc *RedisCache) GetClient() *redis.Client {
	return rc.client
}

// NewRedisCacheFromURL builds a RedisCache from a redis:// connection URL.
func NewRedisCacheFromURL(url string, logger *slog.Logger) (*RedisCache, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, NewCacheError("failed to parse redis url", "PARSE_URL_ERROR").WithCause(err)
	}

	config := &Config{
		Addr:        opt.Addr,
		Password:    opt.Password,
		DB:          opt.DB,
		PoolSize:    10,
		DialTimeout: 5 * time.Second,
	}

	return NewRedisCache(config, logger)
}
