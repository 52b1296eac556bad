package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis implements Cache on a Redis key-value store.
type Redis struct {
	client *redis.Client
}

// NewRedis creates a Redis-backed identity cache.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func cacheKey(key string) string {
	return "identity:" + key
}

// Get looks up the household mapped to key.
func (r *Redis) Get(ctx context.Context, key string) (uuid.UUID, bool, error) {
	val, err := r.client.Get(ctx, cacheKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("cache get: %w", err)
	}

	id, err := uuid.Parse(val)
	if err != nil {
		// Corrupt entry; treat as a miss so the graph repopulates it.
		return uuid.Nil, false, nil
	}
	return id, true, nil
}

// Set maps key to householdID for ttl.
func (r *Redis) Set(ctx context.Context, key string, householdID uuid.UUID, ttl time.Duration) error {
	if err := r.client.Set(ctx, cacheKey(key), householdID.String(), ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Invalidate removes a mapping.
func (r *Redis) Invalidate(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, cacheKey(key)).Err(); err != nil {
		return fmt.Errorf("cache invalidate: %w", err)
	}
	return nil
}
