// Package token derives the deterministic bridging identifier and issues the
// signed household claims handed back to partners.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/householdiq-systems/householdiq/internal/models"
)

// Normalize canonicalizes a hashed email before token derivation. The same
// address must always yield the same token regardless of caller casing.
func Normalize(hashedEmail string) string {
	return strings.ToLower(strings.TrimSpace(hashedEmail))
}

// Bridging derives the stable bridging token for a hashed email. The salt is
// process-wide immutable configuration; equal inputs always yield equal tokens.
func Bridging(hashedEmail, salt string) string {
	h := hmac.New(sha256.New, []byte(salt))
	h.Write([]byte(Normalize(hashedEmail)))
	return hex.EncodeToString(h.Sum(nil))
}

// HouseholdClaims is the signed payload issued after a resolution attaches an
// event to a household.
type HouseholdClaims struct {
	HouseholdID string            `json:"household"`
	Provenance  models.Provenance `json:"provenance"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies household claims tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// NewIssuer creates a token issuer with the given secret and token lifetime.
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl}
}

// Issue signs a household token for a resolved event.
func (i *Issuer) Issue(eventID, householdID uuid.UUID, provenance models.Provenance) (string, error) {
	now := time.Now().UTC()
	claims := HouseholdClaims{
		HouseholdID: householdID.String(),
		Provenance:  provenance,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   eventID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign household token: %w", err)
	}
	return signed, nil
}

// Parse verifies a household token and returns its claims.
func (i *Issuer) Parse(tokenString string) (*HouseholdClaims, error) {
	tok, err := jwt.ParseWithClaims(tokenString, &HouseholdClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse household token: %w", err)
	}

	claims, ok := tok.Claims.(*HouseholdClaims)
	if !ok || !tok.Valid {
		return nil, errors.New("invalid household token")
	}
	return claims, nil
}
