package bridging

import (
	"math"
	"time"
	"unicode/utf8"

	"github.com/householdiq-systems/householdiq/internal/config"
	"github.com/householdiq-systems/householdiq/internal/graph"
	"github.com/householdiq-systems/householdiq/internal/models"
)

// defaultFieldWeight applies to partial keys with no configured weight.
const defaultFieldWeight = 0.1

// hashedFields are opaque digests: edit distance between two hashes carries
// no signal, so anything but an exact match scores zero.
var hashedFields = map[string]bool{
	"hashedIP":   true,
	"deviceType": true,
}

// Scorer computes weighted similarity between an event's device signals and a
// candidate household's accumulated field set.
type Scorer struct {
	weights     map[string]float64
	decayFactor float64
	now         func() time.Time
}

// NewScorer builds a Scorer from the bridging configuration.
func NewScorer(cfg config.BridgingConfig) *Scorer {
	return &Scorer{
		weights:     cfg.PartialKeyWeights,
		decayFactor: cfg.TimeDecayFactor,
		now:         time.Now,
	}
}

// Score returns the confidence score in [0,1] for linking the event's device
// to the candidate household. The weighted per-field similarity is damped by
// an exponential decay on the candidate's staleness.
func (s *Scorer) Score(signals models.DeviceSignals, cand graph.Candidate) float64 {
	eventFields := signals.Fields()
	if len(eventFields) == 0 {
		return 0
	}

	var num, den float64
	for key, value := range eventFields {
		w := s.weight(key)
		den += w

		other, ok := cand.Fields[key]
		if !ok {
			continue
		}
		num += w * fieldSimilarity(key, value, other)
	}
	if den == 0 {
		return 0
	}

	score := (num / den) * s.decay(cand.UpdatedAt)
	if score > 1 {
		score = 1
	}
	return score
}

func (s *Scorer) weight(key string) float64 {
	if w, ok := s.weights[key]; ok {
		return w
	}
	return defaultFieldWeight
}

// decay halves the score (at the default factor) for every 24 hours since the
// candidate was last updated.
func (s *Scorer) decay(updatedAt time.Time) float64 {
	if s.decayFactor <= 0 || s.decayFactor >= 1 {
		return 1
	}
	age := s.now().Sub(updatedAt)
	if age <= 0 {
		return 1
	}
	return math.Pow(s.decayFactor, age.Hours()/24)
}

func fieldSimilarity(key, a, b string) float64 {
	if a == b {
		return 1
	}
	if hashedFields[key] {
		return 0
	}
	return levenshteinRatio(a, b)
}

// levenshteinRatio maps edit distance onto [0,1], 1 meaning identical.
func levenshteinRatio(a, b string) float64 {
	if a == b {
		return 1
	}
	// Distance counts runes, so the denominator must too.
	longest := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshteinDistance(a, b))/float64(longest)
}

func levenshteinDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, min(curr[j-1]+1, prev[j-1]+cost))
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}
