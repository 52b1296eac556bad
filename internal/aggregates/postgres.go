package aggregates

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/householdiq-systems/householdiq/internal/models"
)

// Postgres implements Store on PostgreSQL. Expected schema (provisioned
// externally):
//
//	daily_aggregates (day date not null, event_type text not null,
//	                  campaign_id text not null, value float8 not null,
//	                  primary key (day, event_type, campaign_id))
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres-backed aggregate store.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) UpsertDaily(ctx context.Context, day time.Time, eventType models.EventType, campaignID string, value float64) error {
	query := `
		INSERT INTO daily_aggregates (day, event_type, campaign_id, value)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (day, event_type, campaign_id) DO UPDATE SET
			value = daily_aggregates.value + EXCLUDED.value
	`

	if _, err := p.pool.Exec(ctx, query, day, string(eventType), campaignID, value); err != nil {
		return fmt.Errorf("upsert daily aggregate: %w", err)
	}
	return nil
}

var _ Store = (*Postgres)(nil)
