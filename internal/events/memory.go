package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/householdiq-systems/householdiq/internal/models"
)

// Memory is an in-process Store used in tests and single-node deployments.
type Memory struct {
	mu     sync.Mutex
	events map[uuid.UUID]*models.EphemeralEvent
}

// NewMemory creates an empty in-memory event store.
func NewMemory() *Memory {
	return &Memory{events: make(map[uuid.UUID]*models.EphemeralEvent)}
}

func (m *Memory) Create(_ context.Context, ev *models.EphemeralEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.events[ev.ID]; ok {
		return fmt.Errorf("event %s already exists", ev.ID)
	}
	cp := *ev
	m.events[ev.ID] = &cp
	return nil
}

func (m *Memory) Get(_ context.Context, id uuid.UUID) (*models.EphemeralEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := *ev
	return &cp, nil
}

func (m *Memory) SetResolution(_ context.Context, id uuid.UUID, res models.Resolution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[id]
	if !ok {
		return ErrEventNotFound
	}
	if ev.Status != models.StatusUnresolved {
		return nil
	}
	ev.Status = res.Status
	ev.Token = res.Token
	ev.HouseholdID = res.HouseholdID
	ev.Confidence = res.Confidence
	return nil
}

func (m *Memory) PurgeOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, ev := range m.events {
		if ev.CreatedAt.Before(cutoff) {
			delete(m.events, id)
			removed++
		}
	}
	return removed, nil
}

var _ Store = (*Memory)(nil)
