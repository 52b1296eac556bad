// Package events persists ephemeral tracking events for the lifetime of the
// retention window.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/householdiq-systems/householdiq/internal/models"
)

// ErrEventNotFound is returned when an event id does not exist, typically
// because the retention sweep already purged it.
var ErrEventNotFound = errors.New("event not found")

// Store is the persistence contract for ephemeral events.
type Store interface {
	// Create inserts a new unresolved event. Inserting an existing id is an
	// error.
	Create(ctx context.Context, ev *models.EphemeralEvent) error

	// Get loads an event by id, returning ErrEventNotFound when absent.
	Get(ctx context.Context, id uuid.UUID) (*models.EphemeralEvent, error)

	// SetResolution records a terminal resolution outcome and is a no-op if
	// the event is already resolved.
	SetResolution(ctx context.Context, id uuid.UUID, res models.Resolution) error

	// PurgeOlderThan deletes events created before the cutoff and returns the
	// number removed.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}
