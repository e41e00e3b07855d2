package incident

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/faturaops/backend/internal/fingerprint"
	"github.com/faturaops/backend/internal/ports"
)

// PostgresRepository is the production incident store. The dedup upsert
// runs read-then-write inside one transaction with the candidate row
// locked, and the (tenant_id, dedupe_key, dedupe_bucket) unique index backs
// the invariant against races.
type PostgresRepository struct {
	db    *sql.DB
	clock ports.Clock
}

func NewPostgresRepository(db *sql.DB, clock ports.Clock) *PostgresRepository {
	return &PostgresRepository{db: db, clock: clock}
}

const incidentsSchema = `
CREATE TABLE IF NOT EXISTS incidents (
	id               TEXT PRIMARY KEY,
	tenant_id        TEXT NOT NULL,
	trace_id         TEXT NOT NULL DEFAULT '',
	provider         TEXT NOT NULL,
	invoice_id       TEXT NOT NULL,
	period           TEXT NOT NULL,
	primary_flag     TEXT NOT NULL,
	category         TEXT NOT NULL,
	severity         TEXT NOT NULL DEFAULT '',
	action_type      TEXT NOT NULL,
	action_owner     TEXT NOT NULL DEFAULT '',
	action_code      TEXT NOT NULL DEFAULT '',
	all_flags        TEXT[] NOT NULL DEFAULT '{}',
	secondary_flags  TEXT[] NOT NULL DEFAULT '{}',
	deduction_total  INT NOT NULL DEFAULT 0,
	routed_payload   JSONB,
	details          JSONB,
	dedupe_key       TEXT NOT NULL,
	dedupe_bucket    BIGINT NOT NULL,
	status           TEXT NOT NULL,
	occurrence_count INT NOT NULL DEFAULT 1,
	first_seen_at    TIMESTAMPTZ NOT NULL,
	last_seen_at     TIMESTAMPTZ NOT NULL,
	resolved_at      TIMESTAMPTZ,
	resolution_note  TEXT NOT NULL DEFAULT '',
	resolved_by      TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS incidents_dedupe_uq
	ON incidents (tenant_id, dedupe_key, dedupe_bucket);

CREATE INDEX IF NOT EXISTS incidents_tenant_status_idx
	ON incidents (tenant_id, status, last_seen_at DESC);
`

// EnsureSchema creates the incidents table and its indexes.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, incidentsSchema); err != nil {
		return fmt.Errorf("ensure incidents schema: %w", err)
	}
	return nil
}

const incidentColumns = `id, tenant_id, trace_id, provider, invoice_id, period, primary_flag,
	category, severity, action_type, action_owner, action_code, all_flags,
	secondary_flags, deduction_total, routed_payload, details, dedupe_key,
	dedupe_bucket, status, occurrence_count, first_seen_at, last_seen_at,
	resolved_at, resolution_note, resolved_by, created_at, updated_at`

func (r *PostgresRepository) Upsert(ctx context.Context, rec Record, routed RoutedAction) (string, bool, error) {
	now := r.clock.Now()
	key := rec.DedupeKey()
	bucket := fingerprint.DedupeBucket(now)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+incidentColumns+` FROM incidents
		 WHERE tenant_id = $1 AND dedupe_key = $2 AND dedupe_bucket = $3
		 FOR UPDATE`,
		rec.TenantID, key, bucket)
	existing, err := scanIncident(row)
	switch {
	case err == nil:
		applyDedupHit(existing, rec, routed)
		existing.LastSeenAt = now
		existing.UpdatedAt = now
		payloadJSON, detailsJSON, err := encodeMaps(existing.RoutedPayload, existing.Details)
		if err != nil {
			return "", false, err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE incidents
			 SET status = $2, occurrence_count = $3, routed_payload = $4,
			     details = $5, last_seen_at = $6, updated_at = $6
			 WHERE id = $1`,
			existing.ID, string(existing.Status), existing.OccurrenceCount,
			payloadJSON, detailsJSON, now); err != nil {
			return "", false, fmt.Errorf("update dedup hit: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return "", false, fmt.Errorf("commit dedup hit: %w", err)
		}
		return existing.ID, false, nil

	case errors.Is(err, sql.ErrNoRows):
		inc := newIncident(rec, routed, key, bucket)
		inc.FirstSeenAt = now
		inc.LastSeenAt = now
		inc.CreatedAt = now
		inc.UpdatedAt = now
		payloadJSON, detailsJSON, err := encodeMaps(inc.RoutedPayload, inc.Details)
		if err != nil {
			return "", false, err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO incidents (`+incidentColumns+`)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28)`,
			inc.ID, inc.TenantID, inc.TraceID, inc.Provider, inc.InvoiceID, inc.Period,
			inc.PrimaryFlag, inc.Category, inc.Severity, string(inc.ActionType),
			inc.ActionOwner, inc.ActionCode, pq.Array(inc.AllFlags), pq.Array(inc.SecondaryFlags),
			inc.DeductionTotal, payloadJSON, detailsJSON, inc.DedupeKey, inc.DedupeBucket,
			string(inc.Status), inc.OccurrenceCount, inc.FirstSeenAt, inc.LastSeenAt,
			nil, inc.ResolutionNote, inc.ResolvedBy, inc.CreatedAt, inc.UpdatedAt); err != nil {
			return "", false, fmt.Errorf("insert incident: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return "", false, fmt.Errorf("commit insert: %w", err)
		}
		return inc.ID, true, nil

	default:
		return "", false, fmt.Errorf("lookup dedup row: %w", err)
	}
}

func (r *PostgresRepository) UpdateStatus(ctx context.Context, id string, next Status, resolutionNote, resolvedBy string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin status update: %w", err)
	}
	defer tx.Rollback()

	var current string
	if err := tx.QueryRowContext(ctx,
		`SELECT status FROM incidents WHERE id = $1 FOR UPDATE`, id).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lookup incident: %w", err)
	}
	if !CanTransition(Status(current), next) {
		return ErrTransitionBlocked
	}

	now := r.clock.Now()
	if next == StatusResolved {
		_, err = tx.ExecContext(ctx,
			`UPDATE incidents
			 SET status = $2, resolved_at = $3, resolution_note = $4, resolved_by = $5, updated_at = $3
			 WHERE id = $1`,
			id, string(next), now, resolutionNote, resolvedBy)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE incidents SET status = $2, updated_at = $3 WHERE id = $1`,
			id, string(next), now)
	}
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return tx.Commit()
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*Incident, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE id = $1`, id)
	inc, err := scanIncident(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return inc, nil
}

func (r *PostgresRepository) ListByStatus(ctx context.Context, tenantID string, status Status, limit int) ([]Incident, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+incidentColumns+` FROM incidents
		 WHERE tenant_id = $1 AND ($2 = '' OR status = $2)
		 ORDER BY last_seen_at DESC
		 LIMIT $3`,
		tenantID, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()

	var out []Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inc)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(r rowScanner) (*Incident, error) {
	var (
		inc              Incident
		actionType       string
		status           string
		payload, details []byte
		resolvedAt       sql.NullTime
	)
	err := r.Scan(&inc.ID, &inc.TenantID, &inc.TraceID, &inc.Provider, &inc.InvoiceID,
		&inc.Period, &inc.PrimaryFlag, &inc.Category, &inc.Severity, &actionType,
		&inc.ActionOwner, &inc.ActionCode, pq.Array(&inc.AllFlags), pq.Array(&inc.SecondaryFlags),
		&inc.DeductionTotal, &payload, &details, &inc.DedupeKey, &inc.DedupeBucket,
		&status, &inc.OccurrenceCount, &inc.FirstSeenAt, &inc.LastSeenAt,
		&resolvedAt, &inc.ResolutionNote, &inc.ResolvedBy, &inc.CreatedAt, &inc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	inc.ActionType = ActionType(actionType)
	inc.Status = Status(status)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &inc.RoutedPayload); err != nil {
			return nil, fmt.Errorf("decode routed payload: %w", err)
		}
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &inc.Details); err != nil {
			return nil, fmt.Errorf("decode details: %w", err)
		}
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time.UTC()
		inc.ResolvedAt = &t
	}
	return &inc, nil
}

func encodeMaps(payload, details map[string]any) ([]byte, []byte, error) {
	var payloadJSON, detailsJSON []byte
	var err error
	if payload != nil {
		if payloadJSON, err = json.Marshal(payload); err != nil {
			return nil, nil, fmt.Errorf("encode routed payload: %w", err)
		}
	}
	if details != nil {
		if detailsJSON, err = json.Marshal(details); err != nil {
			return nil, nil, fmt.Errorf("encode details: %w", err)
		}
	}
	return payloadJSON, detailsJSON, nil
}
