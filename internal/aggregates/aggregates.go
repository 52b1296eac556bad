// Package aggregates maintains the daily reporting counters. Raw counts are
// buffered in Redis and periodically flushed to durable storage through the
// privacy guard, so nothing below the k-anonymity floor and nothing without
// noise (when enabled) ever reaches a reportable surface.
package aggregates

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/householdiq-systems/householdiq/internal/logging"
	"github.com/householdiq-systems/householdiq/internal/models"
	"github.com/householdiq-systems/householdiq/internal/privacy"
)

const keyPrefix = "agg:"

// Store persists exposed daily aggregates.
type Store interface {
	UpsertDaily(ctx context.Context, day time.Time, eventType models.EventType, campaignID string, value float64) error
}

// Buffer accumulates per-day counters in Redis.
type Buffer struct {
	client redis.UniversalClient
	store  Store
	guard  *privacy.Guard
	logger *logging.Logger
}

// NewBuffer creates a Redis-backed aggregate buffer flushing into store.
func NewBuffer(client redis.UniversalClient, store Store, guard *privacy.Guard, logger *logging.Logger) *Buffer {
	return &Buffer{client: client, store: store, guard: guard, logger: logger}
}

// Increment bumps the counter for one event occurrence.
func (b *Buffer) Increment(ctx context.Context, eventType models.EventType, campaignID string) error {
	key := dayKey(time.Now().UTC())
	field := string(eventType) + ":" + campaignID
	if err := b.client.HIncrBy(ctx, key, field, 1).Err(); err != nil {
		return fmt.Errorf("increment aggregate: %w", err)
	}
	// Keep buffered days around long enough for a late flush.
	if err := b.client.Expire(ctx, key, 72*time.Hour).Err(); err != nil {
		return fmt.Errorf("expire aggregate key: %w", err)
	}
	return nil
}

// Flush drains every buffered day through the privacy guard into the store
// and returns the number of counters persisted. Suppressed counters are
// dropped and logged.
func (b *Buffer) Flush(ctx context.Context) (int, error) {
	keys, err := b.client.Keys(ctx, keyPrefix+"*").Result()
	if err != nil {
		return 0, fmt.Errorf("list aggregate keys: %w", err)
	}

	flushed := 0
	for _, key := range keys {
		day, err := dayFromKey(key)
		if err != nil {
			b.logger.Warn("skipping malformed aggregate key", "key", key)
			continue
		}

		fields, err := b.client.HGetAll(ctx, key).Result()
		if err != nil {
			return flushed, fmt.Errorf("read aggregate %s: %w", key, err)
		}

		for field, raw := range fields {
			eventType, campaignID, ok := splitField(field)
			if !ok {
				b.logger.Warn("skipping malformed aggregate field", "field", field)
				continue
			}

			var count int
			if _, err := fmt.Sscanf(raw, "%d", &count); err != nil {
				b.logger.Warn("skipping unparsable aggregate count", "field", field, "value", raw)
				continue
			}

			exposed := b.guard.ExposeAggregate(float64(count), count)
			if privacy.IsSuppressed(exposed) {
				b.logger.Info("aggregate suppressed below anonymity floor",
					"day", day.Format(time.DateOnly), "field", field, "count", count)
				continue
			}

			if err := b.store.UpsertDaily(ctx, day, eventType, campaignID, exposed); err != nil {
				return flushed, fmt.Errorf("persist aggregate: %w", err)
			}
			flushed++
		}

		if err := b.client.Del(ctx, key).Err(); err != nil {
			return flushed, fmt.Errorf("clear aggregate %s: %w", key, err)
		}
	}
	return flushed, nil
}

func dayKey(t time.Time) string {
	return keyPrefix + t.Format(time.DateOnly)
}

func dayFromKey(key string) (time.Time, error) {
	return time.Parse(time.DateOnly, strings.TrimPrefix(key, keyPrefix))
}

func splitField(field string) (models.EventType, string, bool) {
	et, campaign, ok := strings.Cut(field, ":")
	if !ok {
		return "", "", false
	}
	return models.EventType(et), campaign, true
}
