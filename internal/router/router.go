// Package router is the ingress decision point: it validates inbound events,
// applies the privacy gates, and routes each event down the deterministic or
// probabilistic resolution path.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/householdiq-systems/householdiq/internal/aggregates"
	"github.com/householdiq-systems/householdiq/internal/bridging"
	"github.com/householdiq-systems/householdiq/internal/capping"
	"github.com/householdiq-systems/householdiq/internal/events"
	"github.com/householdiq-systems/householdiq/internal/logging"
	"github.com/householdiq-systems/householdiq/internal/metrics"
	"github.com/householdiq-systems/householdiq/internal/models"
	"github.com/householdiq-systems/householdiq/internal/privacy"
	"github.com/householdiq-systems/householdiq/internal/queue"
	"github.com/householdiq-systems/householdiq/internal/token"
)

// Skip reasons reported when an event is not routed to resolution.
const (
	SkipSampledOut   = "sampled_out"
	SkipChildFlagged = "child_flagged"
	SkipNoConsent    = "no_consent"
	SkipRegionOptOut = "region_opt_out"
)

// ErrInvalidEvent rejects requests missing the minimum required fields.
var ErrInvalidEvent = errors.New("invalid event")

// IngestRequest is one inbound tracking event.
type IngestRequest struct {
	PartnerID   string                `json:"partner_id"`
	HashedEmail string                `json:"hashed_email,omitempty"`
	Signals     models.DeviceSignals  `json:"signals"`
	EventType   models.EventType      `json:"event_type"`
	CampaignID  string                `json:"campaign_id,omitempty"`
	Consent     models.ConsentFlags   `json:"consent"`
	Privacy     models.PrivacySignals `json:"privacy"`
	IsChild     bool                  `json:"is_child,omitempty"`
	DeviceChild bool                  `json:"device_child_flag,omitempty"`
}

// IngestResponse reports what happened to the event at ingress.
type IngestResponse struct {
	EventID     uuid.UUID               `json:"event_id"`
	Status      models.ResolutionStatus `json:"status"`
	SkipReason  string                  `json:"skip_reason,omitempty"`
	HouseholdID uuid.UUID               `json:"household_id,omitempty"`
	Confidence  float64                 `json:"confidence,omitempty"`
	Token       string                  `json:"token,omitempty"`
	Capped      bool                    `json:"frequency_capped,omitempty"`
	Queued      bool                    `json:"queued,omitempty"`
}

// Router wires ingress to the two resolution paths.
type Router struct {
	store    events.Store
	resolver *bridging.Resolver
	tasks    queue.TaskQueue
	guard    *privacy.Guard
	capper   *capping.Engine
	buffer   *aggregates.Buffer
	issuer   *token.Issuer
	logger   *logging.Logger
}

// New creates a Router. buffer may be nil when aggregate reporting is off.
func New(store events.Store, resolver *bridging.Resolver, tasks queue.TaskQueue, guard *privacy.Guard, capper *capping.Engine, buffer *aggregates.Buffer, issuer *token.Issuer, logger *logging.Logger) *Router {
	return &Router{
		store:    store,
		resolver: resolver,
		tasks:    tasks,
		guard:    guard,
		capper:   capper,
		buffer:   buffer,
		issuer:   issuer,
		logger:   logger,
	}
}

// Route is the pure path decision: deterministic iff the event carries a
// hashed email and no child flag. Child-flagged events never originate
// bridging at all; the caller must gate on ChildFlagged first.
func Route(ev *models.EphemeralEvent) models.RoutingDecision {
	if ev.HashedEmail != "" {
		return models.RouteDeterministic
	}
	return models.RouteFuzzy
}

// Ingest validates, gates, persists, and routes one inbound event. The
// deterministic path short-circuits inline; the fuzzy path is enqueued for
// async resolution.
func (r *Router) Ingest(ctx context.Context, req IngestRequest) (*IngestResponse, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	ev := &models.EphemeralEvent{
		ID:          uuid.New(),
		PartnerID:   req.PartnerID,
		HashedEmail: token.Normalize(req.HashedEmail),
		Signals:     req.Signals,
		EventType:   req.EventType,
		CampaignID:  req.CampaignID,
		Consent:     req.Consent,
		Privacy:     req.Privacy,
		IsChild:     req.IsChild,
		DeviceChild: req.DeviceChild,
		CreatedAt:   time.Now().UTC(),
		Status:      models.StatusUnresolved,
	}

	if reason := r.gate(ev); reason != "" {
		metrics.EventsSkipped.WithLabelValues(reason).Inc()
		return &IngestResponse{
			EventID:    ev.ID,
			Status:     models.StatusUnresolved,
			SkipReason: reason,
		}, nil
	}

	if err := r.store.Create(ctx, ev); err != nil {
		return nil, fmt.Errorf("persist event: %w", err)
	}
	metrics.EventsIngested.WithLabelValues(ev.PartnerID, string(ev.EventType)).Inc()
	r.recordAggregate(ctx, ev)

	switch Route(ev) {
	case models.RouteDeterministic:
		return r.resolveInline(ctx, ev)
	default:
		if err := r.tasks.EnqueueFuzzy(ctx, queue.FuzzyJob{EventID: ev.ID}); err != nil {
			return nil, fmt.Errorf("enqueue fuzzy job: %w", err)
		}
		metrics.JobsEnqueued.WithLabelValues("fuzzy").Inc()
		return &IngestResponse{
			EventID: ev.ID,
			Status:  models.StatusUnresolved,
			Queued:  true,
		}, nil
	}
}

// gate applies the privacy and sampling gates, returning a skip reason or "".
func (r *Router) gate(ev *models.EphemeralEvent) string {
	if !r.guard.ShouldSample(ev.EventType) {
		return SkipSampledOut
	}
	if ev.ChildFlagged() {
		return SkipChildFlagged
	}
	if privacy.ParseUSPrivacy(ev.Privacy.USPrivacyString).OptedOut() {
		return SkipRegionOptOut
	}
	if !ev.Consent.CrossDeviceBridging {
		return SkipNoConsent
	}
	return ""
}

func (r *Router) resolveInline(ctx context.Context, ev *models.EphemeralEvent) (*IngestResponse, error) {
	start := time.Now()
	res, err := r.resolver.ResolveDeterministic(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("deterministic resolution: %w", err)
	}
	metrics.ResolutionDuration.WithLabelValues("deterministic").Observe(time.Since(start).Seconds())
	metrics.Resolutions.WithLabelValues("deterministic", string(res.Status)).Inc()

	resp := &IngestResponse{
		EventID:     ev.ID,
		Status:      res.Status,
		HouseholdID: res.HouseholdID,
		Confidence:  res.Confidence,
	}

	if r.issuer != nil {
		signed, err := r.issuer.Issue(ev.ID, res.HouseholdID, res.Provenance)
		if err != nil {
			r.logger.Warn("issue household token failed", "event_id", ev.ID, "error", err)
		} else {
			resp.Token = signed
		}
	}

	if ev.EventType == models.EventImpression && ev.CampaignID != "" && r.capper != nil {
		admitted, err := r.capper.Admit(ctx, res.HouseholdID.String(), ev.CampaignID)
		if err != nil {
			r.logger.Warn("frequency cap check failed", "event_id", ev.ID, "error", err)
		} else if !admitted {
			metrics.CappingDenied.Inc()
			resp.Capped = true
		}
	}
	return resp, nil
}

func (r *Router) recordAggregate(ctx context.Context, ev *models.EphemeralEvent) {
	if r.buffer == nil {
		return
	}
	if err := r.buffer.Increment(ctx, ev.EventType, ev.CampaignID); err != nil {
		r.logger.Warn("aggregate increment failed", "event_id", ev.ID, "error", err)
	}
}

func validate(req IngestRequest) error {
	if req.PartnerID == "" {
		return fmt.Errorf("%w: missing partner id", ErrInvalidEvent)
	}
	switch req.EventType {
	case models.EventImpression, models.EventClick, models.EventConversion:
	default:
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, req.EventType)
	}
	if req.HashedEmail == "" && req.Signals.Empty() {
		return fmt.Errorf("%w: no identifier or device signals", ErrInvalidEvent)
	}
	return nil
}
