package events

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/householdiq-systems/householdiq/internal/models"
)

func newEvent(age time.Duration) *models.EphemeralEvent {
	return &models.EphemeralEvent{
		ID:        uuid.New(),
		PartnerID: "partner-1",
		EventType: models.EventImpression,
		CreatedAt: time.Now().Add(-age),
		Status:    models.StatusUnresolved,
	}
}

func TestMemoryCreateAndGet(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	ev := newEvent(0)
	require.NoError(t, store.Create(ctx, ev))

	got, err := store.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, models.StatusUnresolved, got.Status)

	_, err = store.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestMemoryCreateRejectsDuplicateID(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	ev := newEvent(0)
	require.NoError(t, store.Create(ctx, ev))
	assert.Error(t, store.Create(ctx, ev))
}

func TestMemorySetResolutionFirstWriteWins(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	ev := newEvent(0)
	require.NoError(t, store.Create(ctx, ev))

	hh := uuid.New()
	require.NoError(t, store.SetResolution(ctx, ev.ID, models.Resolution{
		Status:      models.StatusFuzzyAccepted,
		HouseholdID: hh,
		Token:       "tok-first",
		Confidence:  0.82,
	}))

	// A redelivered job must not overwrite the recorded outcome.
	require.NoError(t, store.SetResolution(ctx, ev.ID, models.Resolution{
		Status:     models.StatusFuzzyRejected,
		Confidence: 0.1,
	}))

	got, err := store.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFuzzyAccepted, got.Status)
	assert.Equal(t, hh, got.HouseholdID)
	assert.Equal(t, "tok-first", got.Token)
	assert.InDelta(t, 0.82, got.Confidence, 1e-9)
}

func TestMemoryPurgeOlderThan(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	old := newEvent(48 * time.Hour)
	fresh := newEvent(time.Hour)
	require.NoError(t, store.Create(ctx, old))
	require.NoError(t, store.Create(ctx, fresh))

	removed, err := store.PurgeOlderThan(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = store.Get(ctx, old.ID)
	assert.ErrorIs(t, err, ErrEventNotFound)

	_, err = store.Get(ctx, fresh.ID)
	assert.NoError(t, err)
}
