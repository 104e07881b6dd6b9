// Package storage owns the shared Redis connection used by the admission
// store and health checks.
package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/NikhilSetiya/storyforge/pkg/config"
	"github.com/NikhilSetiya/storyforge/pkg/errors"
	"github.com/NikhilSetiya/storyforge/pkg/resilience"
)

// RedisClient wraps the Redis client with connection management
type RedisClient struct {
	client *redis.Client
	config *config.RedisConfig
}

// Options builds the go-redis options for cfg
func Options(cfg *config.RedisConfig) *redis.Options {
	return &redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,

		// Connection timeouts
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		// Pool timeouts
		PoolTimeout:     4 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,

		// Admission checks sit on the request path, so keep retries short
		MaxRetries:      1,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 64 * time.Millisecond,
	}
}

// NewRedisClient connects to Redis, retrying the initial ping under retrier.
// A nil retrier pings once.
func NewRedisClient(ctx context.Context, cfg *config.RedisConfig, retrier *resilience.Retrier) (*RedisClient, error) {
	if cfg == nil {
		return nil, errors.NewValidationError("Redis configuration is required")
	}
	if retrier == nil {
		retrier = resilience.NewRetrier(resilience.Policy{MaxAttempts: 1}, nil, resilience.WithName("redis"))
	}

	client := redis.NewClient(Options(cfg))
	err := retrier.Execute(ctx, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return errors.NewExternalError("redis", "ping failed").WithCause(err)
		}
		return nil
	})
	if err != nil {
		client.Close()
		return nil, errors.NewInternalError("failed to connect to Redis").WithCause(err)
	}

	return &RedisClient{
		client: client,
		config: cfg,
	}, nil
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Health checks the Redis connection health
func (r *RedisClient) Health(ctx context.Context) error {
	if r.client == nil {
		return errors.NewInternalError("Redis client is nil")
	}
	if err := r.client.Ping(ctx).Err(); err != nil {
		return errors.NewInternalError("Redis health check failed").WithCause(err)
	}
	return nil
}

// Client returns the underlying Redis client
func (r *RedisClient) Client() *redis.Client {
	return r.client
}

// PoolCounts reports total, idle and stale connections
func (r *RedisClient) PoolCounts() (total, idle, stale int, ok bool) {
	if r == nil || r.client == nil {
		return 0, 0, 0, false
	}
	stats := r.client.PoolStats()
	return int(stats.TotalConns), int(stats.IdleConns), int(stats.StaleConns), true
}
