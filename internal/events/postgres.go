package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/householdiq-systems/householdiq/internal/models"
)

// Postgres implements Store on PostgreSQL. Expected schema (provisioned
// externally):
//
//	events (id uuid primary key, partner_id text not null, hashed_email text,
//	        signals jsonb not null, event_type text not null, campaign_id text,
//	        consent jsonb not null, privacy jsonb not null,
//	        is_child boolean not null, device_child boolean not null,
//	        created_at timestamptz not null,
//	        status text not null, token text, household_id uuid, confidence float8)
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres-backed event store.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Create(ctx context.Context, ev *models.EphemeralEvent) error {
	signals, err := json.Marshal(ev.Signals)
	if err != nil {
		return fmt.Errorf("marshal signals: %w", err)
	}
	consent, err := json.Marshal(ev.Consent)
	if err != nil {
		return fmt.Errorf("marshal consent: %w", err)
	}
	privacy, err := json.Marshal(ev.Privacy)
	if err != nil {
		return fmt.Errorf("marshal privacy: %w", err)
	}

	query := `
		INSERT INTO events (
			id, partner_id, hashed_email, signals, event_type, campaign_id,
			consent, privacy, is_child, device_child, created_at, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err = p.pool.Exec(ctx, query,
		ev.ID, ev.PartnerID, nullable(ev.HashedEmail), signals, string(ev.EventType),
		nullable(ev.CampaignID), consent, privacy, ev.IsChild, ev.DeviceChild,
		ev.CreatedAt, string(ev.Status),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, id uuid.UUID) (*models.EphemeralEvent, error) {
	query := `
		SELECT id, partner_id, COALESCE(hashed_email, ''), signals, event_type,
		       COALESCE(campaign_id, ''), consent, privacy, is_child,
		       device_child, created_at, status, COALESCE(token, ''),
		       household_id, confidence
		FROM events
		WHERE id = $1
	`

	var (
		ev          models.EphemeralEvent
		signals     []byte
		consent     []byte
		privacy     []byte
		eventType   string
		status      string
		householdID *uuid.UUID
		confidence  *float64
	)

	err := p.pool.QueryRow(ctx, query, id).Scan(
		&ev.ID, &ev.PartnerID, &ev.HashedEmail, &signals, &eventType,
		&ev.CampaignID, &consent, &privacy, &ev.IsChild,
		&ev.DeviceChild, &ev.CreatedAt, &status, &ev.Token,
		&householdID, &confidence,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load event: %w", err)
	}

	if err := json.Unmarshal(signals, &ev.Signals); err != nil {
		return nil, fmt.Errorf("decode signals: %w", err)
	}
	if err := json.Unmarshal(consent, &ev.Consent); err != nil {
		return nil, fmt.Errorf("decode consent: %w", err)
	}
	if err := json.Unmarshal(privacy, &ev.Privacy); err != nil {
		return nil, fmt.Errorf("decode privacy: %w", err)
	}

	ev.EventType = models.EventType(eventType)
	ev.Status = models.ResolutionStatus(status)
	if householdID != nil {
		ev.HouseholdID = *householdID
	}
	if confidence != nil {
		ev.Confidence = *confidence
	}
	return &ev, nil
}

func (p *Postgres) SetResolution(ctx context.Context, id uuid.UUID, res models.Resolution) error {
	// The status guard makes resolution first-write-wins under redelivery.
	query := `
		UPDATE events
		SET status = $2, token = $3, household_id = $4, confidence = $5
		WHERE id = $1 AND status = $6
	`

	var householdID *uuid.UUID
	if res.HouseholdID != uuid.Nil {
		householdID = &res.HouseholdID
	}

	_, err := p.pool.Exec(ctx, query,
		id, string(res.Status), nullable(res.Token), householdID, res.Confidence,
		string(models.StatusUnresolved),
	)
	if err != nil {
		return fmt.Errorf("set resolution: %w", err)
	}
	return nil
}

func (p *Postgres) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge events: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var _ Store = (*Postgres)(nil)
