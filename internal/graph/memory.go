package graph

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/householdiq-systems/householdiq/internal/models"
)

type memDevice struct {
	id        uuid.UUID
	fields    map[string]string
	createdAt time.Time
	updatedAt time.Time
}

type memHousehold struct {
	id        uuid.UUID
	tokens    []string
	updatedAt time.Time
}

type memEdge struct {
	householdID uuid.UUID
	provenance  models.Provenance
	confidence  float64
	updatedAt   time.Time
}

// Memory is a mutex-guarded in-process Graph, used by tests and single-node
// development mode. Semantics match the Postgres implementation.
type Memory struct {
	mu         sync.Mutex
	devices    map[string]*memDevice // keyed by signal key
	households map[uuid.UUID]*memHousehold
	byToken    map[string]uuid.UUID
	edges      map[uuid.UUID]*memEdge // keyed by device id
	now        func() time.Time
}

// NewMemory creates an empty in-memory graph.
func NewMemory() *Memory {
	return &Memory{
		devices:    make(map[string]*memDevice),
		households: make(map[uuid.UUID]*memHousehold),
		byToken:    make(map[string]uuid.UUID),
		edges:      make(map[uuid.UUID]*memEdge),
		now:        time.Now,
	}
}

func (m *Memory) UpsertDevice(_ context.Context, signals models.DeviceSignals) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := signals.SignalKey()
	if d, ok := m.devices[key]; ok {
		d.updatedAt = m.now()
		return d.id, nil
	}

	d := &memDevice{
		id:        uuid.New(),
		fields:    signals.Fields(),
		createdAt: m.now(),
		updatedAt: m.now(),
	}
	m.devices[key] = d
	return d.id, nil
}

func (m *Memory) FindOrCreateHouseholdByToken(_ context.Context, token string) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byToken[token]; ok {
		m.households[id].updatedAt = m.now()
		return id, nil
	}

	h := &memHousehold{id: uuid.New(), tokens: []string{token}, updatedAt: m.now()}
	m.households[h.id] = h
	m.byToken[token] = h.id
	return h.id, nil
}

func (m *Memory) CandidateHouseholdsBySignals(_ context.Context, signals models.DeviceSignals) ([]Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	query := signals.Fields()

	// Union member-device fields per household, counting exact matches.
	fieldsByHousehold := make(map[uuid.UUID]map[string]string)
	for _, d := range m.devices {
		e, ok := m.edges[d.id]
		if !ok {
			continue
		}
		union := fieldsByHousehold[e.householdID]
		if union == nil {
			union = make(map[string]string)
			fieldsByHousehold[e.householdID] = union
		}
		for k, v := range d.fields {
			union[k] = v
		}
	}

	var out []Candidate
	for hhID, union := range fieldsByHousehold {
		matched := 0
		for k, v := range query {
			if union[k] == v {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		out = append(out, Candidate{
			HouseholdID:   hhID,
			Fields:        union,
			MatchedFields: matched,
			UpdatedAt:     m.households[hhID].updatedAt,
		})
	}
	return out, nil
}

func (m *Memory) UpsertMembershipEdge(_ context.Context, deviceID, householdID uuid.UUID, provenance models.Provenance, confidence float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.households[householdID]; !ok {
		return ErrHouseholdNotFound
	}

	// Replaces any prior edge for the device: at most one membership.
	m.edges[deviceID] = &memEdge{
		householdID: householdID,
		provenance:  provenance,
		confidence:  confidence,
		updatedAt:   m.now(),
	}
	m.households[householdID].updatedAt = m.now()
	return nil
}

func (m *Memory) MergeHouseholds(_ context.Context, a, b uuid.UUID) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a == b {
		return a, nil
	}
	survivor, merged := Survivor(a, b)

	survivorRow, haveSurvivor := m.households[survivor]
	mergedRow, haveMerged := m.households[merged]

	// Already merged away: no-op.
	if !haveMerged {
		if !haveSurvivor {
			return uuid.Nil, ErrHouseholdNotFound
		}
		return survivor, nil
	}
	if !haveSurvivor {
		// The surviving id was itself merged earlier; nothing to fold into.
		return merged, nil
	}

	for _, e := range m.edges {
		if e.householdID == merged {
			e.householdID = survivor
			e.updatedAt = m.now()
		}
	}
	// Merged tokens keep resolving, now to the survivor. Dropping them
	// would let the same hashed email mint a fresh household later.
	for _, tok := range mergedRow.tokens {
		m.byToken[tok] = survivor
	}
	survivorRow.tokens = append(survivorRow.tokens, mergedRow.tokens...)
	survivorRow.updatedAt = m.now()
	delete(m.households, merged)
	return survivor, nil
}

func (m *Memory) GroupSize(_ context.Context, householdID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, e := range m.edges {
		if e.householdID == householdID {
			n++
		}
	}
	return n, nil
}

func (m *Memory) PruneStale(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pruned := 0
	for key, d := range m.devices {
		if d.updatedAt.Before(olderThan) {
			if _, linked := m.edges[d.id]; !linked {
				delete(m.devices, key)
				pruned++
			}
		}
	}

	linked := make(map[uuid.UUID]bool)
	for _, e := range m.edges {
		linked[e.householdID] = true
	}
	for id, h := range m.households {
		if !linked[id] && h.updatedAt.Before(olderThan) {
			delete(m.households, id)
			for _, tok := range h.tokens {
				delete(m.byToken, tok)
			}
			pruned++
		}
	}
	return pruned, nil
}

var _ Graph = (*Memory)(nil)
