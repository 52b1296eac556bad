package graph

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

// Postgres implements Graph on PostgreSQL. Expected schema (provisioned
// externally):
//
//	devices          (id uuid primary key, signal_key text unique not null,
//	                  fields jsonb not null, created_at timestamptz, updated_at timestamptz)
//	households       (id uuid primary key, created_at timestamptz, updated_at timestamptz)
//	household_tokens (token text primary key,
//	                  household_id uuid not null references households(id) on delete cascade)
//	memberships      (device_id uuid primary key references devices(id) on delete cascade,
//	                  household_id uuid not null references households(id) on delete cascade,
//	                  provenance text not null, confidence float8 not null,
//	                  updated_at timestamptz)
//
// Tokens live in their own table because a merge leaves the survivor
// holding every token of the households folded into it.
//
// Per-row upserts and the merge transaction provide the atomicity the
// resolvers rely on.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres-backed identity graph.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) UpsertDevice(ctx context.Context, signals models.DeviceSignals) (uuid.UUID, error) {
	fields, err := json.Marshal(signals.Fields())
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal device fields: %w", err)
	}

	query := `
		INSERT INTO devices (id, signal_key, fields, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (signal_key) DO UPDATE SET updated_at = now()
		RETURNING id
	`

	var id uuid.UUID
	if err := p.pool.QueryRow(ctx, query, uuid.New(), signals.SignalKey(), fields).Scan(&id); err != nil {
		return uuid.Nil, fmt.Errorf("upsert device: %w", err)
	}
	return id, nil
}

func (p *Postgres) FindOrCreateHouseholdByToken(ctx context.Context, tok string) (uuid.UUID, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("begin find or create: %w", err)
	}
	defer tx.Rollback(ctx)

	var id uuid.UUID
	err = tx.QueryRow(ctx, `SELECT household_id FROM household_tokens WHERE token = $1`, tok).Scan(&id)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		id = uuid.New()
		if _, err := tx.Exec(ctx, `INSERT INTO households (id, created_at, updated_at) VALUES ($1, now(), now())`, id); err != nil {
			return uuid.Nil, fmt.Errorf("create household: %w", err)
		}
		// A concurrent claim of the same token wins at the unique
		// constraint and hands back its household id.
		if err := tx.QueryRow(ctx, `
			INSERT INTO household_tokens (token, household_id)
			VALUES ($1, $2)
			ON CONFLICT (token) DO UPDATE SET token = EXCLUDED.token
			RETURNING household_id
		`, tok, id).Scan(&id); err != nil {
			return uuid.Nil, fmt.Errorf("claim token: %w", err)
		}
	case err != nil:
		return uuid.Nil, fmt.Errorf("lookup token: %w", err)
	default:
		if _, err := tx.Exec(ctx, `UPDATE households SET updated_at = now() WHERE id = $1`, id); err != nil {
			return uuid.Nil, fmt.Errorf("touch household: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("commit find or create: %w", err)
	}
	return id, nil
}

func (p *Postgres) CandidateHouseholdsBySignals(ctx context.Context, signals models.DeviceSignals) ([]Candidate, error) {
	queryFields, err := json.Marshal(signals.Fields())
	if err != nil {
		return nil, fmt.Errorf("marshal query fields: %w", err)
	}

	// Recall filter: any member device sharing a field value. Exact match
	// counting happens in Go over the folded field union.
	query := `
		SELECT h.id, h.updated_at, d.fields
		FROM households h
		JOIN memberships m ON m.household_id = h.id
		JOIN devices d ON d.id = m.device_id
		WHERE EXISTS (
			SELECT 1
			FROM jsonb_each_text(d.fields) dv
			JOIN jsonb_each_text($1::jsonb) qv
			  ON dv.key = qv.key AND dv.value = qv.value
		)
	`

	rows, err := p.pool.Query(ctx, query, queryFields)
	if err != nil {
		return nil, fmt.Errorf("candidate households: %w", err)
	}
	defer rows.Close()

	type acc struct {
		fields    map[string]string
		updatedAt time.Time
	}
	byHousehold := make(map[uuid.UUID]*acc)

	for rows.Next() {
		var (
			hhID      uuid.UUID
			updatedAt time.Time
			raw       []byte
		)
		if err := rows.Scan(&hhID, &updatedAt, &raw); err != nil {
			return nil, fmt.Errorf("scan candidate row: %w", err)
		}

		var fields map[string]string
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("decode device fields: %w", err)
		}

		a, ok := byHousehold[hhID]
		if !ok {
			a = &acc{fields: make(map[string]string), updatedAt: updatedAt}
			byHousehold[hhID] = a
		}
		for k, v := range fields {
			a.fields[k] = v
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("candidate rows: %w", err)
	}

	queried := signals.Fields()
	out := make([]Candidate, 0, len(byHousehold))
	for hhID, a := range byHousehold {
		matched := 0
		for k, v := range queried {
			if a.fields[k] == v {
				matched++
			}
		}
		out = append(out, Candidate{
			HouseholdID:   hhID,
			Fields:        a.fields,
			MatchedFields: matched,
			UpdatedAt:     a.updatedAt,
		})
	}
	return out, nil
}

func (p *Postgres) UpsertMembershipEdge(ctx context.Context, deviceID, householdID uuid.UUID, provenance models.Provenance, confidence float64) error {
	query := `
		INSERT INTO memberships (device_id, household_id, provenance, confidence, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (device_id) DO UPDATE SET
			household_id = EXCLUDED.household_id,
			provenance   = EXCLUDED.provenance,
			confidence   = EXCLUDED.confidence,
			updated_at   = now()
	`

	if _, err := p.pool.Exec(ctx, query, deviceID, householdID, string(provenance), confidence); err != nil {
		return fmt.Errorf("upsert membership edge: %w", err)
	}
	if _, err := p.pool.Exec(ctx, `UPDATE households SET updated_at = now() WHERE id = $1`, householdID); err != nil {
		return fmt.Errorf("touch household: %w", err)
	}
	return nil
}

func (p *Postgres) MergeHouseholds(ctx context.Context, a, b uuid.UUID) (uuid.UUID, error) {
	if a == b {
		return a, nil
	}
	survivor, merged := Survivor(a, b)

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("begin merge: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock both rows in id order to serialize concurrent merges.
	var one int
	err = tx.QueryRow(ctx, `SELECT 1 FROM households WHERE id = $1 FOR UPDATE`, survivor).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		// Survivor id was itself merged away earlier; nothing to fold into.
		return merged, tx.Commit(ctx)
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("lock survivor: %w", err)
	}

	err = tx.QueryRow(ctx, `SELECT 1 FROM households WHERE id = $1 FOR UPDATE`, merged).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		// Already merged: no-op.
		return survivor, tx.Commit(ctx)
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("lock merged: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE memberships SET household_id = $1, updated_at = now() WHERE household_id = $2`, survivor, merged); err != nil {
		return uuid.Nil, fmt.Errorf("repoint edges: %w", err)
	}

	// Merged tokens keep resolving, now to the survivor. Dropping them
	// would let the same hashed email mint a fresh household later.
	if _, err := tx.Exec(ctx, `UPDATE household_tokens SET household_id = $1 WHERE household_id = $2`, survivor, merged); err != nil {
		return uuid.Nil, fmt.Errorf("repoint tokens: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM households WHERE id = $1`, merged); err != nil {
		return uuid.Nil, fmt.Errorf("delete merged household: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE households SET updated_at = now() WHERE id = $1`, survivor); err != nil {
		return uuid.Nil, fmt.Errorf("touch survivor: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("commit merge: %w", err)
	}
	return survivor, nil
}

func (p *Postgres) GroupSize(ctx context.Context, householdID uuid.UUID) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT device_id) FROM memberships WHERE household_id = $1`, householdID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("group size: %w", err)
	}
	return n, nil
}

func (p *Postgres) PruneStale(ctx context.Context, olderThan time.Time) (int, error) {
	devices, err := p.pool.Exec(ctx, `
		DELETE FROM devices d
		WHERE d.updated_at < $1
		  AND NOT EXISTS (SELECT 1 FROM memberships m WHERE m.device_id = d.id)
	`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune devices: %w", err)
	}

	households, err := p.pool.Exec(ctx, `
		DELETE FROM households h
		WHERE h.updated_at < $1
		  AND NOT EXISTS (SELECT 1 FROM memberships m WHERE m.household_id = h.id)
	`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune households: %w", err)
	}

	return int(devices.RowsAffected() + households.RowsAffected()), nil
}

var _ Graph = (*Postgres)(nil)
