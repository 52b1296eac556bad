package bridging

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/householdiq-systems/householdiq/internal/cache"
	"github.com/householdiq-systems/householdiq/internal/config"
	"github.com/householdiq-systems/householdiq/internal/events"
	"github.com/householdiq-systems/householdiq/internal/graph"
	"github.com/householdiq-systems/householdiq/internal/logging"
	"github.com/householdiq-systems/householdiq/internal/metrics"
	"github.com/householdiq-systems/householdiq/internal/models"
	"github.com/householdiq-systems/householdiq/internal/token"
)

// mapCache is a plain in-process Cache without TTL handling, enough to drive
// the fast path in tests.
type mapCache struct {
	mu      sync.Mutex
	entries map[string]uuid.UUID
}

func newMapCache() *mapCache {
	return &mapCache{entries: make(map[string]uuid.UUID)}
}

func (c *mapCache) Get(_ context.Context, key string) (uuid.UUID, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.entries[key]
	return id, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, id uuid.UUID, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = id
	return nil
}

func (c *mapCache) Invalidate(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

// recordingDispatcher counts emitted notifications.
type recordingDispatcher struct {
	mu       sync.Mutex
	resolved []models.BridgingResolved
}

func (d *recordingDispatcher) DispatchResolved(_ context.Context, res models.BridgingResolved) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resolved = append(d.resolved, res)
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.resolved)
}

func bridgingConfig() config.BridgingConfig {
	return config.BridgingConfig{
		Salt:                "test-salt",
		ConfidenceThreshold: 0.7,
		PartialKeyWeights: map[string]float64{
			"hashedEmail": 1.0,
			"hashedIP":    0.9,
			"wifiSSID":    0.3,
			"deviceType":  0.2,
			"profileID":   0.2,
		},
		TimeDecayFactor: 0.5,
	}
}

func newFixture(t *testing.T, c cache.Cache) (*Resolver, *graph.Memory, events.Store, *recordingDispatcher) {
	t.Helper()
	g := graph.NewMemory()
	store := events.NewMemory()
	d := &recordingDispatcher{}
	r := NewResolver(g, store, c, d, bridgingConfig(), logging.Default())
	return r, g, store, d
}

func mobileEvent(hashedEmail string) *models.EphemeralEvent {
	return &models.EphemeralEvent{
		ID:          uuid.New(),
		PartnerID:   "partner-1",
		HashedEmail: hashedEmail,
		Signals: models.DeviceSignals{
			DeviceType: "mobile",
			HashedIP:   "ip-aaa",
			PartialKeys: map[string]string{
				"wifiSSID": "HomeNet",
			},
		},
		EventType: models.EventImpression,
		CreatedAt: time.Now(),
		Status:    models.StatusUnresolved,
	}
}

func laptopEvent(hashedEmail string) *models.EphemeralEvent {
	ev := mobileEvent(hashedEmail)
	ev.ID = uuid.New()
	ev.Signals = models.DeviceSignals{
		DeviceType: "desktop",
		HashedIP:   "ip-aaa",
		PartialKeys: map[string]string{
			"wifiSSID": "HomeNet",
		},
	}
	return ev
}

func TestDeterministicConvergesOnOneHousehold(t *testing.T) {
	r, g, store, d := newFixture(t, cache.Noop{})
	ctx := context.Background()

	phone := mobileEvent("hash-alice")
	laptop := laptopEvent("hash-alice")
	require.NoError(t, store.Create(ctx, phone))
	require.NoError(t, store.Create(ctx, laptop))

	res1, err := r.ResolveDeterministic(ctx, phone)
	require.NoError(t, err)
	res2, err := r.ResolveDeterministic(ctx, laptop)
	require.NoError(t, err)

	assert.Equal(t, models.StatusDeterministic, res1.Status)
	assert.Equal(t, res1.HouseholdID, res2.HouseholdID, "same hashed email converges on one household")
	assert.Equal(t, 1.0, res1.Confidence)

	size, err := g.GroupSize(ctx, res1.HouseholdID)
	require.NoError(t, err)
	assert.Equal(t, 2, size)

	// The derived bridging token is part of the recorded outcome.
	want := token.Bridging("hash-alice", "test-salt")
	assert.Equal(t, want, res1.Token)
	stored, err := store.Get(ctx, phone.ID)
	require.NoError(t, err)
	assert.Equal(t, want, stored.Token)

	assert.Equal(t, 2, d.count(), "one notification per resolved event")
}

func TestDeterministicNormalizesHashedEmail(t *testing.T) {
	r, _, store, _ := newFixture(t, cache.Noop{})
	ctx := context.Background()

	a := mobileEvent("  Hash-Alice ")
	b := laptopEvent("hash-alice")
	require.NoError(t, store.Create(ctx, a))
	require.NoError(t, store.Create(ctx, b))

	res1, err := r.ResolveDeterministic(ctx, a)
	require.NoError(t, err)
	res2, err := r.ResolveDeterministic(ctx, b)
	require.NoError(t, err)

	assert.Equal(t, res1.HouseholdID, res2.HouseholdID)
}

func TestDeterministicIdempotent(t *testing.T) {
	r, _, store, d := newFixture(t, cache.Noop{})
	ctx := context.Background()

	ev := mobileEvent("hash-alice")
	require.NoError(t, store.Create(ctx, ev))

	res1, err := r.ResolveDeterministic(ctx, ev)
	require.NoError(t, err)

	// Redelivery: same event again must return the recorded outcome and emit
	// nothing further.
	res2, err := r.ResolveDeterministic(ctx, ev)
	require.NoError(t, err)

	assert.Equal(t, res1, res2)
	assert.Equal(t, 1, d.count())
}

func TestDeterministicMergesCachedHousehold(t *testing.T) {
	mc := newMapCache()
	r, g, store, _ := newFixture(t, mc)
	ctx := context.Background()

	// The device was previously fuzzy-bridged into some household.
	ev := mobileEvent("hash-alice")
	prior, err := g.FindOrCreateHouseholdByToken(ctx, "tok-prior")
	require.NoError(t, err)
	dev, err := g.UpsertDevice(ctx, ev.Signals)
	require.NoError(t, err)
	require.NoError(t, g.UpsertMembershipEdge(ctx, dev, prior, models.ProvenanceFuzzy, 0.8))
	require.NoError(t, mc.Set(ctx, ev.Signals.SignalKey(), prior, time.Hour))

	require.NoError(t, store.Create(ctx, ev))
	mergesBefore := testutil.ToFloat64(metrics.HouseholdMerges)
	res, err := r.ResolveDeterministic(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, mergesBefore+1, testutil.ToFloat64(metrics.HouseholdMerges))

	// Exactly one household remains for this device, whichever id survived.
	size, err := g.GroupSize(ctx, res.HouseholdID)
	require.NoError(t, err)
	assert.Equal(t, 1, size)

	cached, ok, err := mc.Get(ctx, ev.Signals.SignalKey())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, res.HouseholdID, cached, "cache repointed at the survivor")
}

func TestDeterministicConvergesAfterMerge(t *testing.T) {
	mc := newMapCache()
	r, g, store, _ := newFixture(t, mc)
	ctx := context.Background()

	// Two emails seen on the same device end up merged into one household.
	evA := mobileEvent("hash-alice")
	require.NoError(t, store.Create(ctx, evA))
	_, err := r.ResolveDeterministic(ctx, evA)
	require.NoError(t, err)

	evB := mobileEvent("hash-bob")
	require.NoError(t, store.Create(ctx, evB))
	resB, err := r.ResolveDeterministic(ctx, evB)
	require.NoError(t, err)

	// Whichever id survived, it is the one the second event resolved to.
	size, err := g.GroupSize(ctx, resB.HouseholdID)
	require.NoError(t, err)
	require.Equal(t, 1, size)

	// The second email later shows up on a brand-new device. Its token
	// must still resolve to the merged household, not a fresh one.
	evB2 := laptopEvent("hash-bob")
	evB2.Signals.HashedIP = "ip-zzz"
	require.NoError(t, store.Create(ctx, evB2))
	resB2, err := r.ResolveDeterministic(ctx, evB2)
	require.NoError(t, err)
	assert.Equal(t, resB.HouseholdID, resB2.HouseholdID)

	size, err = g.GroupSize(ctx, resB2.HouseholdID)
	require.NoError(t, err)
	assert.Equal(t, 2, size)
}

func TestFuzzyAcceptsSharedHouseholdSignals(t *testing.T) {
	r, g, store, d := newFixture(t, cache.Noop{})
	ctx := context.Background()

	// Seed a household through the deterministic path.
	seed := mobileEvent("hash-alice")
	require.NoError(t, store.Create(ctx, seed))
	seedRes, err := r.ResolveDeterministic(ctx, seed)
	require.NoError(t, err)

	// A CTV on the same network, no email.
	tv := &models.EphemeralEvent{
		ID:        uuid.New(),
		PartnerID: "partner-1",
		Signals: models.DeviceSignals{
			DeviceType: "ctv",
			HashedIP:   "ip-aaa",
			PartialKeys: map[string]string{
				"wifiSSID": "HomeNet",
			},
		},
		EventType: models.EventImpression,
		CreatedAt: time.Now(),
		Status:    models.StatusUnresolved,
	}
	require.NoError(t, store.Create(ctx, tv))

	res, err := r.ResolveFuzzy(ctx, tv)
	require.NoError(t, err)

	assert.Equal(t, models.StatusFuzzyAccepted, res.Status)
	assert.Equal(t, seedRes.HouseholdID, res.HouseholdID)
	assert.GreaterOrEqual(t, res.Confidence, 0.7)
	assert.Less(t, res.Confidence, 1.0)

	size, err := g.GroupSize(ctx, res.HouseholdID)
	require.NoError(t, err)
	assert.Equal(t, 2, size)
	assert.Equal(t, 2, d.count())
}

func TestFuzzyRejectsWeakOverlapButKeepsDevice(t *testing.T) {
	r, g, store, d := newFixture(t, cache.Noop{})
	ctx := context.Background()

	seed := mobileEvent("hash-alice")
	require.NoError(t, store.Create(ctx, seed))
	_, err := r.ResolveDeterministic(ctx, seed)
	require.NoError(t, err)

	// Only the device type overlaps: far below threshold.
	weak := &models.EphemeralEvent{
		ID:        uuid.New(),
		PartnerID: "partner-1",
		Signals: models.DeviceSignals{
			DeviceType: "mobile",
			HashedIP:   "ip-zzz",
			PartialKeys: map[string]string{
				"wifiSSID": "CoffeeShop",
			},
		},
		EventType: models.EventClick,
		CreatedAt: time.Now(),
		Status:    models.StatusUnresolved,
	}
	require.NoError(t, store.Create(ctx, weak))

	res, err := r.ResolveFuzzy(ctx, weak)
	require.NoError(t, err)

	assert.Equal(t, models.StatusFuzzyRejected, res.Status)
	assert.Equal(t, uuid.Nil, res.HouseholdID)
	assert.Less(t, res.Confidence, 0.7)

	// The orphan device node persists for future matching.
	dev, err := g.UpsertDevice(ctx, weak.Signals)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, dev)

	got, err := store.Get(ctx, weak.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFuzzyRejected, got.Status)
	assert.Equal(t, 1, d.count(), "rejections emit no notification")
}

func TestFuzzyRejectsWhenAllCandidatesBelowThreshold(t *testing.T) {
	r, g, store, _ := newFixture(t, cache.Noop{})
	ctx := context.Background()

	// Two distinct households, each with weak overlap to the probe.
	seedA := mobileEvent("hash-alice")
	require.NoError(t, store.Create(ctx, seedA))
	resA, err := r.ResolveDeterministic(ctx, seedA)
	require.NoError(t, err)

	seedB := mobileEvent("hash-bob")
	seedB.Signals = models.DeviceSignals{
		DeviceType: "ctv",
		HashedIP:   "ip-bbb",
		PartialKeys: map[string]string{
			"wifiSSID": "WorkNet",
		},
	}
	require.NoError(t, store.Create(ctx, seedB))
	resB, err := r.ResolveDeterministic(ctx, seedB)
	require.NoError(t, err)
	require.NotEqual(t, resA.HouseholdID, resB.HouseholdID)

	probe := &models.EphemeralEvent{
		ID:        uuid.New(),
		PartnerID: "partner-1",
		Signals: models.DeviceSignals{
			DeviceType: "mobile",
			HashedIP:   "ip-ccc",
			PartialKeys: map[string]string{
				"wifiSSID": "WorkNet",
			},
		},
		EventType: models.EventImpression,
		CreatedAt: time.Now(),
		Status:    models.StatusUnresolved,
	}
	require.NoError(t, store.Create(ctx, probe))

	res, err := r.ResolveFuzzy(ctx, probe)
	require.NoError(t, err)

	assert.Equal(t, models.StatusFuzzyRejected, res.Status)
	assert.Equal(t, uuid.Nil, res.HouseholdID)

	// Neither household gained an edge.
	sizeA, err := g.GroupSize(ctx, resA.HouseholdID)
	require.NoError(t, err)
	assert.Equal(t, 1, sizeA)
	sizeB, err := g.GroupSize(ctx, resB.HouseholdID)
	require.NoError(t, err)
	assert.Equal(t, 1, sizeB)
}

func TestFuzzyNoCandidates(t *testing.T) {
	r, _, store, _ := newFixture(t, cache.Noop{})
	ctx := context.Background()

	ev := mobileEvent("")
	require.NoError(t, store.Create(ctx, ev))

	res, err := r.ResolveFuzzy(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFuzzyRejected, res.Status)
	assert.Zero(t, res.Confidence)
}

func TestFuzzyEmptySignalsRejected(t *testing.T) {
	r, _, store, _ := newFixture(t, cache.Noop{})
	ctx := context.Background()

	ev := &models.EphemeralEvent{
		ID:        uuid.New(),
		PartnerID: "partner-1",
		EventType: models.EventImpression,
		CreatedAt: time.Now(),
		Status:    models.StatusUnresolved,
	}
	require.NoError(t, store.Create(ctx, ev))

	res, err := r.ResolveFuzzy(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFuzzyRejected, res.Status)
}

func TestFuzzyIdempotent(t *testing.T) {
	r, _, store, d := newFixture(t, cache.Noop{})
	ctx := context.Background()

	seed := mobileEvent("hash-alice")
	require.NoError(t, store.Create(ctx, seed))
	_, err := r.ResolveDeterministic(ctx, seed)
	require.NoError(t, err)

	tv := &models.EphemeralEvent{
		ID:        uuid.New(),
		PartnerID: "partner-1",
		Signals:   seed.Signals,
		EventType: models.EventImpression,
		CreatedAt: time.Now(),
		Status:    models.StatusUnresolved,
	}
	require.NoError(t, store.Create(ctx, tv))

	res1, err := r.ResolveFuzzy(ctx, tv)
	require.NoError(t, err)
	res2, err := r.ResolveFuzzy(ctx, tv)
	require.NoError(t, err)

	assert.Equal(t, res1, res2)
	assert.Equal(t, 2, d.count())
}

func TestFuzzyStaleCacheEntryInvalidated(t *testing.T) {
	mc := newMapCache()
	r, _, store, _ := newFixture(t, mc)
	ctx := context.Background()

	seed := mobileEvent("hash-alice")
	require.NoError(t, store.Create(ctx, seed))
	seedRes, err := r.ResolveDeterministic(ctx, seed)
	require.NoError(t, err)

	// Poison the cache with a household the graph does not corroborate.
	tv := &models.EphemeralEvent{
		ID:        uuid.New(),
		PartnerID: "partner-1",
		Signals: models.DeviceSignals{
			DeviceType: "ctv",
			HashedIP:   "ip-aaa",
			PartialKeys: map[string]string{
				"wifiSSID": "HomeNet",
			},
		},
		EventType: models.EventImpression,
		CreatedAt: time.Now(),
		Status:    models.StatusUnresolved,
	}
	stale := uuid.New()
	require.NoError(t, mc.Set(ctx, tv.Signals.SignalKey(), stale, time.Hour))
	require.NoError(t, store.Create(ctx, tv))

	res, err := r.ResolveFuzzy(ctx, tv)
	require.NoError(t, err)

	assert.Equal(t, seedRes.HouseholdID, res.HouseholdID, "graph overrules the cache")

	cached, ok, err := mc.Get(ctx, tv.Signals.SignalKey())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, res.HouseholdID, cached)
	assert.NotEqual(t, stale, cached)
}
