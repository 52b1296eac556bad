// Package cache provides the TTL-bound identity cache mapping signal keys and
// bridging tokens to household ids. The cache is an optimization layer only:
// every correctness property of the engine holds if all operations no-op.
package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Cache is the fast-path lookup consulted before the identity graph. A miss
// or error always falls through to the graph, which is the source of truth.
type Cache interface {
	// Get returns the household mapped to key, if present and unexpired.
	Get(ctx context.Context, key string) (uuid.UUID, bool, error)

	// Set maps key to a household for ttl.
	Set(ctx context.Context, key string, householdID uuid.UUID, ttl time.Duration) error

	// Invalidate removes a mapping.
	Invalidate(ctx context.Context, key string) error
}

// Noop satisfies Cache while doing nothing; used when Redis is disabled.
type Noop struct{}

func (Noop) Get(context.Context, string) (uuid.UUID, bool, error) { return uuid.Nil, false, nil }
func (Noop) Set(context.Context, string, uuid.UUID, time.Duration) error {
	return nil
}
func (Noop) Invalidate(context.Context, string) error { return nil }
