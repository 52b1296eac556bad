// Package models defines the core data types shared across the bridging engine.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType classifies an inbound tracking occurrence.
type EventType string

const (
	EventImpression EventType = "impression"
	EventClick      EventType = "click"
	EventConversion EventType = "conversion"
)

// ResolutionStatus tracks how far an event has moved through the bridging pipeline.
type ResolutionStatus string

const (
	StatusUnresolved    ResolutionStatus = "unresolved"
	StatusDeterministic ResolutionStatus = "deterministic"
	StatusFuzzyAccepted ResolutionStatus = "fuzzy_accepted"
	StatusFuzzyRejected ResolutionStatus = "fuzzy_rejected"
)

// Provenance records which resolution path produced a membership edge.
type Provenance string

const (
	ProvenanceDeterministic Provenance = "deterministic"
	ProvenanceFuzzy         Provenance = "fuzzy"
)

// RoutingDecision is the outcome of the router's path selection.
type RoutingDecision string

const (
	RouteDeterministic RoutingDecision = "deterministic"
	RouteFuzzy         RoutingDecision = "fuzzy"
)

// ConsentFlags captures the user's bridging and targeting consent.
type ConsentFlags struct {
	CrossDeviceBridging bool `json:"cross_device_bridging"`
	TargetingSegments   bool `json:"targeting_segments"`
}

// PrivacySignals carries the regulatory consent strings supplied at ingress.
type PrivacySignals struct {
	TCFString       string `json:"tcf_string,omitempty"`
	USPrivacyString string `json:"us_privacy_string,omitempty"`
}

// DeviceSignals is the bundle of partial, non-unique device identifiers
// used for probabilistic matching.
type DeviceSignals struct {
	DeviceType  string            `json:"device_type"`
	HashedIP    string            `json:"hashed_ip"`
	PartialKeys map[string]string `json:"partial_keys,omitempty"`
}

// Fields flattens the bundle into a single field->value map. Categorical and
// noisy fields are treated uniformly by the similarity scorer.
func (s DeviceSignals) Fields() map[string]string {
	out := make(map[string]string, len(s.PartialKeys)+2)
	for k, v := range s.PartialKeys {
		if v != "" {
			out[k] = strings.ToLower(v)
		}
	}
	if s.DeviceType != "" {
		out["deviceType"] = strings.ToLower(s.DeviceType)
	}
	if s.HashedIP != "" {
		out["hashedIP"] = strings.ToLower(s.HashedIP)
	}
	return out
}

// SignalKey returns a canonical hash of the signal bundle, used as the
// cache key and the device identity key in the graph. Equal bundles always
// produce equal keys regardless of map iteration order.
func (s DeviceSignals) SignalKey() string {
	fields := s.Fields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
		b.WriteByte('|')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Empty reports whether the bundle carries no usable signal.
func (s DeviceSignals) Empty() bool {
	return len(s.Fields()) == 0
}

// EphemeralEvent is one inbound tracking occurrence prior to (and after)
// resolution. It is created once on ingress and mutated by exactly one
// resolver invocation.
type EphemeralEvent struct {
	ID          uuid.UUID        `json:"id"`
	PartnerID   string           `json:"partner_id"`
	HashedEmail string           `json:"hashed_email,omitempty"`
	Signals     DeviceSignals    `json:"signals"`
	EventType   EventType        `json:"event_type"`
	CampaignID  string           `json:"campaign_id,omitempty"`
	Consent     ConsentFlags     `json:"consent"`
	Privacy     PrivacySignals   `json:"privacy"`
	IsChild     bool             `json:"is_child"`
	DeviceChild bool             `json:"device_child_flag"`
	CreatedAt   time.Time        `json:"created_at"`

	Status      ResolutionStatus `json:"status"`
	Token       string           `json:"token,omitempty"`
	HouseholdID uuid.UUID        `json:"household_id,omitempty"`
	Confidence  float64          `json:"confidence,omitempty"`
}

// ChildFlagged reports whether either child flag is set. Child devices never
// originate bridging on their own.
func (e *EphemeralEvent) ChildFlagged() bool {
	return e.IsChild || e.DeviceChild
}

// Resolved reports whether a resolver has already produced a terminal outcome.
func (e *EphemeralEvent) Resolved() bool {
	return e.Status != StatusUnresolved
}

// Resolution is the outcome a resolver hands back to its caller. Token is
// the bridging token the deterministic path derived; empty on fuzzy paths.
type Resolution struct {
	Status      ResolutionStatus
	HouseholdID uuid.UUID
	Token       string
	Provenance  Provenance
	Confidence  float64
}

// Accepted reports whether the resolution attached the event to a household.
func (r Resolution) Accepted() bool {
	return r.Status == StatusDeterministic || r.Status == StatusFuzzyAccepted
}

// BridgingResolved is the outbound record emitted exactly once per successful
// resolution, consumed by the external webhook dispatcher.
type BridgingResolved struct {
	EventID     uuid.UUID  `json:"event_id"`
	HouseholdID uuid.UUID  `json:"household_id"`
	Provenance  Provenance `json:"provenance"`
	Confidence  float64    `json:"confidence"`
	ResolvedAt  time.Time  `json:"resolved_at"`
}
