// Package graph defines the identity graph consumed by the resolvers: device
// nodes, household nodes, and membership edges with confidence scores. The
// engine's correctness depends only on the atomicity of these primitives, not
// on any particular storage engine.
package graph

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/householdiq-systems/householdiq/internal/models"
)

// ErrHouseholdNotFound is returned when an operation references a household
// that does not exist (and was not merged away).
var ErrHouseholdNotFound = errors.New("household not found")

// Candidate is a household that shares at least one partial-key field with a
// queried signal bundle.
type Candidate struct {
	HouseholdID uuid.UUID

	// Fields is the union of the signal fields of the household's member
	// devices, used for similarity scoring.
	Fields map[string]string

	// MatchedFields counts how many queried fields matched exactly.
	MatchedFields int

	// UpdatedAt is the household's last modification time; ties between
	// equally scored candidates break toward the most recent.
	UpdatedAt time.Time
}

// Graph is the narrow interface over the identity graph store. All operations
// touching the same household are linearizable with respect to each other;
// upserts and merge are atomic so resolvers never read-modify-write.
type Graph interface {
	// UpsertDevice creates or refreshes the device node for a signal bundle,
	// keyed by the bundle's canonical signal key.
	UpsertDevice(ctx context.Context, signals models.DeviceSignals) (uuid.UUID, error)

	// FindOrCreateHouseholdByToken locates the household bound to a bridging
	// token, creating it if absent. Keyed by token, so re-invocation with the
	// same token always converges on one household.
	FindOrCreateHouseholdByToken(ctx context.Context, token string) (uuid.UUID, error)

	// CandidateHouseholdsBySignals returns households whose member devices
	// share one or more fields with the bundle.
	CandidateHouseholdsBySignals(ctx context.Context, signals models.DeviceSignals) ([]Candidate, error)

	// UpsertMembershipEdge creates or replaces the device's membership edge.
	// A device has at most one outgoing membership at any time.
	UpsertMembershipEdge(ctx context.Context, deviceID, householdID uuid.UUID, provenance models.Provenance, confidence float64) error

	// MergeHouseholds folds two households into one. The lower-valued id
	// survives; all edges and bridging tokens are re-pointed at it, so every
	// token of the merged household keeps resolving to the survivor. Merging
	// an already-merged pair is a no-op returning the survivor.
	MergeHouseholds(ctx context.Context, a, b uuid.UUID) (uuid.UUID, error)

	// GroupSize counts the distinct devices belonging to a household.
	GroupSize(ctx context.Context, householdID uuid.UUID) (int, error)

	// PruneStale removes device nodes past retention that carry no membership
	// edge, and empty households past retention. Safe to run concurrently
	// with live resolution.
	PruneStale(ctx context.Context, olderThan time.Time) (int, error)
}

// Survivor picks the surviving id for a household merge: the lower-valued id.
func Survivor(a, b uuid.UUID) (survivor, merged uuid.UUID) {
	if compareUUID(a, b) <= 0 {
		return a, b
	}
	return b, a
}

func compareUUID(a, b uuid.UUID) int {
	for i := range a {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}
