package router

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/householdiq-systems/householdiq/internal/bridging"
	"github.com/householdiq-systems/householdiq/internal/cache"
	"github.com/householdiq-systems/householdiq/internal/capping"
	"github.com/householdiq-systems/householdiq/internal/config"
	"github.com/householdiq-systems/householdiq/internal/dispatch"
	"github.com/householdiq-systems/householdiq/internal/events"
	"github.com/householdiq-systems/householdiq/internal/graph"
	"github.com/householdiq-systems/householdiq/internal/logging"
	"github.com/householdiq-systems/householdiq/internal/models"
	"github.com/householdiq-systems/householdiq/internal/privacy"
	"github.com/householdiq-systems/householdiq/internal/queue"
	"github.com/householdiq-systems/householdiq/internal/token"
)

type routerFixture struct {
	router *Router
	store  events.Store
	queue  *queue.Memory
	graph  *graph.Memory
	issuer *token.Issuer
}

func newRouterFixture(t *testing.T, capper *capping.Engine) *routerFixture {
	t.Helper()

	g := graph.NewMemory()
	store := events.NewMemory()
	logger := logging.Default()

	cfg := config.BridgingConfig{
		Salt:                "test-salt",
		ConfidenceThreshold: 0.7,
		PartialKeyWeights: map[string]float64{
			"hashedIP":   0.9,
			"wifiSSID":   0.3,
			"deviceType": 0.2,
		},
		TimeDecayFactor: 0.5,
	}
	resolver := bridging.NewResolver(g, store, cache.Noop{}, dispatch.NewLogDispatcher(logger), cfg, logger)

	guard := privacy.NewGuard(config.PrivacyConfig{MinThreshold: 10, NoiseEpsilon: 1.0})
	issuer := token.NewIssuer("test-secret", time.Hour)
	q := queue.NewMemory(16)

	return &routerFixture{
		router: New(store, resolver, q, guard, capper, nil, issuer, logger),
		store:  store,
		queue:  q,
		graph:  g,
		issuer: issuer,
	}
}

func consented() models.ConsentFlags {
	return models.ConsentFlags{CrossDeviceBridging: true}
}

func signals() models.DeviceSignals {
	return models.DeviceSignals{
		DeviceType: "mobile",
		HashedIP:   "ip-aaa",
		PartialKeys: map[string]string{
			"wifiSSID": "HomeNet",
		},
	}
}

func TestIngestDeterministicInline(t *testing.T) {
	f := newRouterFixture(t, nil)
	ctx := context.Background()

	resp, err := f.router.Ingest(ctx, IngestRequest{
		PartnerID:   "partner-1",
		HashedEmail: "hash-alice",
		Signals:     signals(),
		EventType:   models.EventImpression,
		CampaignID:  "camp-1",
		Consent:     consented(),
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusDeterministic, resp.Status)
	assert.NotEqual(t, "", resp.Token)
	assert.Equal(t, 1.0, resp.Confidence)
	assert.False(t, resp.Queued)

	claims, err := f.issuer.Parse(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, resp.HouseholdID.String(), claims.HouseholdID)

	got, err := f.store.Get(ctx, resp.EventID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDeterministic, got.Status)
}

func TestIngestFuzzyEnqueued(t *testing.T) {
	f := newRouterFixture(t, nil)
	ctx := context.Background()

	resp, err := f.router.Ingest(ctx, IngestRequest{
		PartnerID: "partner-1",
		Signals:   signals(),
		EventType: models.EventClick,
		Consent:   consented(),
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusUnresolved, resp.Status)
	assert.True(t, resp.Queued)
	assert.Empty(t, resp.Token)

	// The job for exactly this event is on the queue.
	received := make(chan queue.FuzzyJob, 1)
	stop, err := f.queue.ConsumeFuzzy(ctx, func(_ context.Context, job queue.FuzzyJob) error {
		received <- job
		return nil
	})
	require.NoError(t, err)
	defer stop()

	select {
	case job := <-received:
		assert.Equal(t, resp.EventID, job.EventID)
	case <-time.After(time.Second):
		t.Fatal("fuzzy job never delivered")
	}
}

func TestIngestGates(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*IngestRequest)
		reason string
	}{
		{
			name:   "child flag",
			mutate: func(r *IngestRequest) { r.IsChild = true },
			reason: SkipChildFlagged,
		},
		{
			name:   "device child flag",
			mutate: func(r *IngestRequest) { r.DeviceChild = true },
			reason: SkipChildFlagged,
		},
		{
			name:   "no bridging consent",
			mutate: func(r *IngestRequest) { r.Consent.CrossDeviceBridging = false },
			reason: SkipNoConsent,
		},
		{
			name:   "us privacy opt-out",
			mutate: func(r *IngestRequest) { r.Privacy.USPrivacyString = "1YYN" },
			reason: SkipRegionOptOut,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRouterFixture(t, nil)

			req := IngestRequest{
				PartnerID:   "partner-1",
				HashedEmail: "hash-alice",
				Signals:     signals(),
				EventType:   models.EventImpression,
				Consent:     consented(),
			}
			tt.mutate(&req)

			resp, err := f.router.Ingest(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, tt.reason, resp.SkipReason)
			assert.Equal(t, models.StatusUnresolved, resp.Status)

			// Skipped events are never persisted.
			_, err = f.store.Get(context.Background(), resp.EventID)
			assert.ErrorIs(t, err, events.ErrEventNotFound)
		})
	}
}

func TestIngestValidation(t *testing.T) {
	f := newRouterFixture(t, nil)
	ctx := context.Background()

	_, err := f.router.Ingest(ctx, IngestRequest{
		EventType: models.EventImpression,
		Consent:   consented(),
		Signals:   signals(),
	})
	assert.ErrorIs(t, err, ErrInvalidEvent, "missing partner id")

	_, err = f.router.Ingest(ctx, IngestRequest{
		PartnerID: "partner-1",
		EventType: "pageview",
		Consent:   consented(),
		Signals:   signals(),
	})
	assert.ErrorIs(t, err, ErrInvalidEvent, "unknown event type")

	_, err = f.router.Ingest(ctx, IngestRequest{
		PartnerID: "partner-1",
		EventType: models.EventImpression,
		Consent:   consented(),
	})
	assert.ErrorIs(t, err, ErrInvalidEvent, "no identifier and no signals")
}

func TestIngestFrequencyCap(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	capper := capping.New(client, config.CappingConfig{
		Enabled: true,
		Window:  time.Minute,
		Cap:     2,
	})
	f := newRouterFixture(t, capper)
	ctx := context.Background()

	req := IngestRequest{
		PartnerID:   "partner-1",
		HashedEmail: "hash-alice",
		Signals:     signals(),
		EventType:   models.EventImpression,
		CampaignID:  "camp-1",
		Consent:     consented(),
	}

	for i := range 2 {
		resp, err := f.router.Ingest(ctx, req)
		require.NoError(t, err)
		assert.False(t, resp.Capped, "exposure %d under cap", i+1)
	}

	resp, err := f.router.Ingest(ctx, req)
	require.NoError(t, err)
	assert.True(t, resp.Capped, "third exposure in window is denied")
}

func TestRouteDecision(t *testing.T) {
	withEmail := &models.EphemeralEvent{HashedEmail: "hash-alice"}
	assert.Equal(t, models.RouteDeterministic, Route(withEmail))

	withoutEmail := &models.EphemeralEvent{Signals: signals()}
	assert.Equal(t, models.RouteFuzzy, Route(withoutEmail))
}
