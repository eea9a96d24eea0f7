// Package cache wraps Redis for the two things worth caching across
// process restarts: probed media durations (ffprobe is expensive, and the
// same avatar reference clips get reused across many tasks) and GPU
// registry snapshots (for a cheap status endpoint that doesn't need to shell
// out to nvidia-smi on every poll). Generalized from the teacher's
// video/job/thumbnail cache into this narrower domain; the rate-limit and
// distributed-lock helpers carry over unchanged since they're generic Redis
// idioms, not video-specific.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lipsyncops/orchestrator/pkg/models"
)

// Cache provides caching functionality using Redis.
type Cache struct {
	client *redis.Client
}

// NewCache creates a new cache instance.
func NewCache(host string, port int, password string, db int) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Duration Probe Cache

// SetDuration caches a ffprobe-derived duration for a media path.
func (c *Cache) SetDuration(ctx context.Context, path string, seconds float64, ttl time.Duration) error {
	key := fmt.Sprintf("duration:%s", path)
	return c.client.Set(ctx, key, seconds, ttl).Err()
}

// GetDuration retrieves a cached duration; ok is false on a cache miss.
func (c *Cache) GetDuration(ctx context.Context, path string) (seconds float64, ok bool, err error) {
	key := fmt.Sprintf("duration:%s", path)
	val, err := c.client.Get(ctx, key).Float64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get duration from cache: %w", err)
	}
	return val, true, nil
}

// GPU Snapshot Cache

// SetGPUSnapshot caches the registry's view of one GPU slot.
func (c *Cache) SetGPUSnapshot(ctx context.Context, snap models.GPUSnapshot, ttl time.Duration) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal GPU snapshot: %w", err)
	}

	key := fmt.Sprintf("gpu:snapshot:%d", snap.ID)
	return c.client.Set(ctx, key, data, ttl).Err()
}

// GetGPUSnapshot retrieves a cached GPU snapshot.
func (c *Cache) GetGPUSnapshot(ctx context.Context, gpuID int) (*models.GPUSnapshot, error) {
	key := fmt.Sprintf("gpu:snapshot:%d", gpuID)
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get GPU snapshot from cache: %w", err)
	}

	var snap models.GPUSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal GPU snapshot: %w", err)
	}

	return &snap, nil
}

// Rate Limiting Operations

// CheckRateLimit checks if a rate limit has been exceeded.
func (c *Cache) CheckRateLimit(ctx context.Context, key string, limit int64, window time.Duration) (bool, error) {
	rateLimitKey := fmt.Sprintf("ratelimit:%s", key)

	count, err := c.client.Incr(ctx, rateLimitKey).Result()
	if err != nil {
		return false, fmt.Errorf("failed to increment rate limit: %w", err)
	}

	if count == 1 {
		if err := c.client.Expire(ctx, rateLimitKey, window).Err(); err != nil {
			return false, fmt.Errorf("failed to set expiry: %w", err)
		}
	}

	return count <= limit, nil
}

// Locking Operations for Distributed Systems

// AcquireLock attempts to acquire a distributed lock.
func (c *Cache) AcquireLock(ctx context.Context, resource string, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf("lock:%s", resource)
	return c.client.SetNX(ctx, key, "locked", ttl).Result()
}

// ReleaseLock releases a distributed lock.
func (c *Cache) ReleaseLock(ctx context.Context, resource string) error {
	key := fmt.Sprintf("lock:%s", resource)
	return c.client.Del(ctx, key).Err()
}

// Exists checks if a key exists.
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	result, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return result > 0, nil
}

// Health check
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
