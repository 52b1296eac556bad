// Package privacy implements the safeguard layer: the k-anonymity floor,
// differential-privacy noise, and per-event-type intake sampling.
package privacy

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/householdiq-systems/householdiq/internal/config"
	"github.com/householdiq-systems/householdiq/internal/models"
)

// Suppressed is the sentinel returned in place of an aggregate whose group
// size is below the k-anonymity floor. Callers never see the raw value.
const Suppressed = -1.0

// Guard gates externally visible aggregates and applies intake sampling.
type Guard struct {
	minThreshold    int
	dpEnabled       bool
	samplingEnabled bool
	samplingRates   map[string]int
	noise           distuv.Laplace
}

// NewGuard builds a Guard from the privacy config section.
func NewGuard(cfg config.PrivacyConfig) *Guard {
	return &Guard{
		minThreshold:    cfg.MinThreshold,
		dpEnabled:       cfg.DPEnabled,
		samplingEnabled: cfg.SamplingEnabled,
		samplingRates:   cfg.SamplingRates,
		noise: distuv.Laplace{
			Mu:    0,
			Scale: 1.0 / cfg.NoiseEpsilon, // sensitivity 1 count
		},
	}
}

// ExposeAggregate gates a raw aggregate value. Below the k-anonymity floor it
// returns the Suppressed sentinel; otherwise, with DP mode on, Laplace noise
// scaled by 1/epsilon is added. Noised counts are clamped at zero.
func (g *Guard) ExposeAggregate(rawValue float64, groupSize int) float64 {
	if groupSize < g.minThreshold {
		return Suppressed
	}
	if !g.dpEnabled {
		return rawValue
	}
	noised := rawValue + g.noise.Rand()
	if noised < 0 {
		return 0
	}
	return noised
}

// IsSuppressed reports whether a value is the suppression sentinel.
func IsSuppressed(v float64) bool {
	return v == Suppressed
}

// ShouldSample decides whether an event of this type is processed at all.
// Sampling is a 1-in-N pass/drop decision made at intake, before routing.
// With load-shedding disabled every event passes.
func (g *Guard) ShouldSample(eventType models.EventType) bool {
	if !g.samplingEnabled {
		return true
	}
	rate, ok := g.samplingRates[string(eventType)]
	if !ok || rate <= 1 {
		return true
	}
	return rand.IntN(rate) == 0
}
