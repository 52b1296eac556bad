// Package capping implements real-time frequency capping: a sliding-window
// counter per (household, campaign) backed by Redis.
package capping

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/householdiq-systems/householdiq/internal/config"
)

// Engine admits or denies exposures against a per-(household, campaign) cap.
// Expired window entries age out lazily on access; there is no sweeper.
type Engine struct {
	client   *redis.Client
	window   time.Duration
	cap      int64
	disabled bool
}

// New creates a capping engine. With capping disabled every call is admitted.
func New(client *redis.Client, cfg config.CappingConfig) *Engine {
	return &Engine{
		client:   client,
		window:   cfg.Window,
		cap:      int64(cfg.Cap),
		disabled: !cfg.Enabled,
	}
}

// admitScript prunes aged entries, counts the window, and records the new
// exposure only when under the cap. Runs atomically on the Redis side so
// concurrent callers cannot exceed the cap.
const admitScript = `
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window_start = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])
	local ttl = tonumber(ARGV[4])

	redis.call('ZREMRANGEBYSCORE', key, 0, window_start)

	local current = redis.call('ZCARD', key)

	if current < limit then
		redis.call('ZADD', key, now, now)
		redis.call('EXPIRE', key, ttl)
		return 1
	else
		return 0
	end
`

// Admit returns true and counts the exposure iff the (household, campaign)
// pair is under its cap within the sliding window. Denials do not increment.
func (e *Engine) Admit(ctx context.Context, householdID, campaignID string) (bool, error) {
	if e.disabled {
		return true, nil
	}

	now := time.Now().UnixNano()
	windowStart := now - e.window.Nanoseconds()
	ttl := int64(e.window.Seconds()) + 1

	key := fmt.Sprintf("cap:%s:%s", householdID, campaignID)
	result, err := e.client.Eval(ctx, admitScript, []string{key}, now, windowStart, e.cap, ttl).Int()
	if err != nil {
		return false, fmt.Errorf("capping check failed: %w", err)
	}
	return result == 1, nil
}

// Count returns the number of exposures currently inside the window.
func (e *Engine) Count(ctx context.Context, householdID, campaignID string) (int64, error) {
	if e.disabled {
		return 0, nil
	}

	now := time.Now().UnixNano()
	windowStart := now - e.window.Nanoseconds()
	key := fmt.Sprintf("cap:%s:%s", householdID, campaignID)

	if err := e.client.ZRemRangeByScore(ctx, key, "0", fmt.Sprint(windowStart)).Err(); err != nil {
		return 0, fmt.Errorf("capping prune failed: %w", err)
	}
	n, err := e.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("capping count failed: %w", err)
	}
	return n, nil
}
