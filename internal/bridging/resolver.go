// Package bridging implements the deterministic and probabilistic resolution
// paths that attach tracking events to household identities.
package bridging

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/householdiq-systems/householdiq/internal/cache"
	"github.com/householdiq-systems/householdiq/internal/config"
	"github.com/householdiq-systems/householdiq/internal/dispatch"
	"github.com/householdiq-systems/householdiq/internal/events"
	"github.com/householdiq-systems/householdiq/internal/graph"
	"github.com/householdiq-systems/householdiq/internal/logging"
	"github.com/householdiq-systems/householdiq/internal/metrics"
	"github.com/householdiq-systems/householdiq/internal/models"
	"github.com/householdiq-systems/householdiq/internal/token"
)

// cacheTTL bounds how long a signal-key or token mapping may serve the fast
// path before the graph is consulted again.
const cacheTTL = 6 * time.Hour

// Resolver executes resolution against the identity graph. Both paths are
// idempotent: re-running a resolver on an already-resolved event returns the
// recorded outcome without mutating the graph again.
type Resolver struct {
	graph      graph.Graph
	store      events.Store
	cache      cache.Cache
	scorer     *Scorer
	dispatcher dispatch.Dispatcher
	logger     *logging.Logger

	salt      string
	threshold float64
}

// NewResolver wires a resolver from its dependencies.
func NewResolver(g graph.Graph, store events.Store, c cache.Cache, d dispatch.Dispatcher, cfg config.BridgingConfig, logger *logging.Logger) *Resolver {
	return &Resolver{
		graph:      g,
		store:      store,
		cache:      c,
		scorer:     NewScorer(cfg),
		dispatcher: d,
		logger:     logger,
		salt:       cfg.Salt,
		threshold:  cfg.ConfidenceThreshold,
	}
}

// ResolveDeterministic links the event's device to the household keyed by the
// HMAC bridging token of its hashed email. Two events carrying the same
// hashed email always converge on one household; when the device's signal key
// is already cached against a different household the two are merged, lower
// id surviving.
func (r *Resolver) ResolveDeterministic(ctx context.Context, ev *models.EphemeralEvent) (models.Resolution, error) {
	if ev.Resolved() {
		return recorded(ev), nil
	}
	if ev.HashedEmail == "" {
		return models.Resolution{}, fmt.Errorf("event %s has no hashed email", ev.ID)
	}

	tok := token.Bridging(ev.HashedEmail, r.salt)

	householdID, err := r.graph.FindOrCreateHouseholdByToken(ctx, tok)
	if err != nil {
		return models.Resolution{}, fmt.Errorf("household by token: %w", err)
	}

	var deviceID uuid.UUID
	if !ev.Signals.Empty() {
		deviceID, err = r.graph.UpsertDevice(ctx, ev.Signals)
		if err != nil {
			return models.Resolution{}, fmt.Errorf("upsert device: %w", err)
		}

		// A cached signal-key mapping pointing elsewhere means this device
		// was previously bridged into another household: same person, two
		// households. Fold them together.
		signalKey := ev.Signals.SignalKey()
		if cached, ok, cerr := r.cache.Get(ctx, signalKey); cerr == nil && ok && cached != householdID {
			householdID, err = r.graph.MergeHouseholds(ctx, householdID, cached)
			if err != nil {
				return models.Resolution{}, fmt.Errorf("merge households: %w", err)
			}
			metrics.HouseholdMerges.Inc()
		}

		if err := r.graph.UpsertMembershipEdge(ctx, deviceID, householdID, models.ProvenanceDeterministic, 1.0); err != nil {
			return models.Resolution{}, fmt.Errorf("upsert membership: %w", err)
		}
		if err := r.cache.Set(ctx, signalKey, householdID, cacheTTL); err != nil {
			r.logger.Warn("cache set failed", "error", err)
		}
	}

	res := models.Resolution{
		Status:      models.StatusDeterministic,
		HouseholdID: householdID,
		Token:       tok,
		Provenance:  models.ProvenanceDeterministic,
		Confidence:  1.0,
	}
	return res, r.finish(ctx, ev, res)
}

// ResolveFuzzy scores the event's device signals against every candidate
// household sharing at least one field, accepting the best candidate iff its
// score clears the confidence threshold. The device node is upserted before
// the accept/reject decision, so a rejected event still leaves its device in
// the graph for future matches.
func (r *Resolver) ResolveFuzzy(ctx context.Context, ev *models.EphemeralEvent) (models.Resolution, error) {
	if ev.Resolved() {
		return recorded(ev), nil
	}

	if ev.Signals.Empty() {
		res := models.Resolution{Status: models.StatusFuzzyRejected, Provenance: models.ProvenanceFuzzy}
		return res, r.finish(ctx, ev, res)
	}

	deviceID, err := r.graph.UpsertDevice(ctx, ev.Signals)
	if err != nil {
		return models.Resolution{}, fmt.Errorf("upsert device: %w", err)
	}

	candidates, err := r.graph.CandidateHouseholdsBySignals(ctx, ev.Signals)
	if err != nil {
		return models.Resolution{}, fmt.Errorf("candidate households: %w", err)
	}

	signalKey := ev.Signals.SignalKey()
	candidates = r.narrowByCache(ctx, signalKey, candidates)

	best, score := r.pickBest(ev.Signals, candidates)

	if best == nil || score < r.threshold {
		res := models.Resolution{
			Status:     models.StatusFuzzyRejected,
			Provenance: models.ProvenanceFuzzy,
			Confidence: score,
		}
		return res, r.finish(ctx, ev, res)
	}

	if err := r.graph.UpsertMembershipEdge(ctx, deviceID, best.HouseholdID, models.ProvenanceFuzzy, score); err != nil {
		return models.Resolution{}, fmt.Errorf("upsert membership: %w", err)
	}
	if err := r.cache.Set(ctx, signalKey, best.HouseholdID, cacheTTL); err != nil {
		r.logger.Warn("cache set failed", "error", err)
	}

	res := models.Resolution{
		Status:      models.StatusFuzzyAccepted,
		HouseholdID: best.HouseholdID,
		Provenance:  models.ProvenanceFuzzy,
		Confidence:  score,
	}
	return res, r.finish(ctx, ev, res)
}

// narrowByCache restricts the candidate set to the cached household for this
// signal key, when the cached entry still exists among the graph's
// candidates. A cached id the graph no longer corroborates is stale and gets
// invalidated; the cache is never authoritative on its own.
func (r *Resolver) narrowByCache(ctx context.Context, signalKey string, candidates []graph.Candidate) []graph.Candidate {
	cached, ok, err := r.cache.Get(ctx, signalKey)
	if err != nil || !ok {
		return candidates
	}
	for _, c := range candidates {
		if c.HouseholdID == cached {
			return []graph.Candidate{c}
		}
	}
	if err := r.cache.Invalidate(ctx, signalKey); err != nil {
		r.logger.Warn("cache invalidate failed", "error", err)
	}
	return candidates
}

// pickBest scores all candidates and returns the winner. Ties go to the most
// recently updated household.
func (r *Resolver) pickBest(signals models.DeviceSignals, candidates []graph.Candidate) (*graph.Candidate, float64) {
	if len(candidates) == 0 {
		return nil, 0
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].UpdatedAt.After(candidates[j].UpdatedAt)
	})

	var (
		best  *graph.Candidate
		score float64
	)
	for i := range candidates {
		s := r.scorer.Score(signals, candidates[i])
		if best == nil || s > score {
			best = &candidates[i]
			score = s
		}
	}
	return best, score
}

// finish records the terminal outcome and, on acceptance, emits exactly one
// resolved notification.
func (r *Resolver) finish(ctx context.Context, ev *models.EphemeralEvent, res models.Resolution) error {
	if err := r.store.SetResolution(ctx, ev.ID, res); err != nil {
		return fmt.Errorf("record resolution: %w", err)
	}
	ev.Status = res.Status
	ev.Token = res.Token
	ev.HouseholdID = res.HouseholdID
	ev.Confidence = res.Confidence

	if !res.Accepted() {
		return nil
	}

	notice := models.BridgingResolved{
		EventID:     ev.ID,
		HouseholdID: res.HouseholdID,
		Provenance:  res.Provenance,
		Confidence:  res.Confidence,
		ResolvedAt:  time.Now().UTC(),
	}
	if err := r.dispatcher.DispatchResolved(ctx, notice); err != nil {
		// The resolution itself is durable; delivery is at-least-once on the
		// queue retry, so log and move on rather than unwind the graph.
		r.logger.Error("dispatch resolved failed", "event_id", ev.ID, "error", err)
	}
	return nil
}

func recorded(ev *models.EphemeralEvent) models.Resolution {
	res := models.Resolution{
		Status:      ev.Status,
		HouseholdID: ev.HouseholdID,
		Token:       ev.Token,
		Confidence:  ev.Confidence,
	}
	switch ev.Status {
	case models.StatusDeterministic:
		res.Provenance = models.ProvenanceDeterministic
	case models.StatusFuzzyAccepted, models.StatusFuzzyRejected:
		res.Provenance = models.ProvenanceFuzzy
	}
	return res
}
