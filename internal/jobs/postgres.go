package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/faturaops/backend/internal/ports"
)

// PostgresStore is the production Store. The one-active-job-per-pair
// invariant is enforced by a unique partial index so the check-and-insert
// cannot race; the FIFO claim uses FOR UPDATE SKIP LOCKED so concurrent
// workers never double-claim a row.
type PostgresStore struct {
	db    *sql.DB
	clock ports.Clock
}

func NewPostgresStore(db *sql.DB, clock ports.Clock) *PostgresStore {
	return &PostgresStore{db: db, clock: clock}
}

const jobsSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT PRIMARY KEY,
	invoice_ref   TEXT NOT NULL,
	kind          TEXT NOT NULL,
	status        TEXT NOT NULL,
	payload       JSONB,
	result        JSONB,
	error         TEXT NOT NULL DEFAULT '',
	attempt_count INT NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL,
	started_at    TIMESTAMPTZ,
	finished_at   TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS jobs_active_pair_uq
	ON jobs (invoice_ref, kind)
	WHERE status IN ('queued', 'running');

CREATE INDEX IF NOT EXISTS jobs_claim_idx
	ON jobs (created_at) WHERE status = 'queued';
`

// EnsureSchema creates the jobs table and its indexes.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, jobsSchema); err != nil {
		return fmt.Errorf("ensure jobs schema: %w", err)
	}
	return nil
}

const jobColumns = `id, invoice_ref, kind, status, payload, result, error, attempt_count, created_at, started_at, finished_at`

func (s *PostgresStore) Enqueue(ctx context.Context, invoiceRef string, kind Kind, payload map[string]any, preventDuplicate bool) (Job, bool, error) {
	now := s.clock.Now()
	payloadJSON, err := marshalMap(payload)
	if err != nil {
		return Job{}, false, err
	}

	id := uuid.New().String()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, invoice_ref, kind, status, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, invoiceRef, string(kind), string(StatusQueued), payloadJSON, now)
	if err != nil {
		var pgErr *pq.Error
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if !preventDuplicate {
				return Job{}, false, ErrDuplicateActive
			}
			// Active job already exists for the pair; hand that one back.
			existing, lookupErr := s.activeFor(ctx, invoiceRef, kind)
			if lookupErr != nil {
				return Job{}, false, lookupErr
			}
			return existing, false, nil
		}
		return Job{}, false, fmt.Errorf("enqueue job: %w", err)
	}

	return Job{
		ID:         id,
		InvoiceRef: invoiceRef,
		Kind:       kind,
		Status:     StatusQueued,
		Payload:    payload,
		CreatedAt:  now,
	}, true, nil
}

func (s *PostgresStore) activeFor(ctx context.Context, invoiceRef string, kind Kind) (Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE invoice_ref = $1 AND kind = $2 AND status IN ('queued', 'running')
		 LIMIT 1`,
		invoiceRef, string(kind))
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, err
	}
	return *j, nil
}

func (s *PostgresStore) Claim(ctx context.Context) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = 'queued'
		 ORDER BY created_at, id
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select claimable: %w", err)
	}

	now := s.clock.Now()
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs
		 SET status = 'running', started_at = $2, attempt_count = attempt_count + 1
		 WHERE id = $1`,
		j.ID, now); err != nil {
		return nil, fmt.Errorf("mark running: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	j.Status = StatusRunning
	j.StartedAt = &now
	j.AttemptCount++
	return j, nil
}

func (s *PostgresStore) FinishOK(ctx context.Context, id string, result map[string]any) error {
	resultJSON, err := marshalMap(result)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	// The status guard makes the transition idempotent: terminal rows are
	// left untouched.
	_, err = s.db.ExecContext(ctx,
		`UPDATE jobs
		 SET status = 'succeeded', result = $2, finished_at = $3
		 WHERE id = $1 AND status NOT IN ('succeeded', 'failed')`,
		id, resultJSON, now)
	if err != nil {
		return fmt.Errorf("finish ok: %w", err)
	}
	return nil
}

func (s *PostgresStore) FinishFail(ctx context.Context, id string, errMsg string) error {
	now := s.clock.Now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs
		 SET status = 'failed', error = $2, finished_at = $3
		 WHERE id = $1 AND status NOT IN ('succeeded', 'failed')`,
		id, truncateError(errMsg), now)
	if err != nil {
		return fmt.Errorf("finish fail: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]Job, error) {
	where := []string{"TRUE"}
	args := []any{}
	if f.InvoiceRef != "" {
		args = append(args, f.InvoiceRef)
		where = append(where, fmt.Sprintf("invoice_ref = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Kind != "" {
		args = append(args, string(f.Kind))
		where = append(where, fmt.Sprintf("kind = $%d", len(args)))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	query := fmt.Sprintf(
		`SELECT `+jobColumns+` FROM jobs WHERE %s ORDER BY created_at, id LIMIT $%d`,
		strings.Join(where, " AND "), len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListStale(ctx context.Context, olderThan time.Duration) ([]Job, error) {
	cutoff := s.clock.Now().Add(-olderThan)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = 'running' AND started_at < $1
		 ORDER BY started_at`,
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*Job, error) {
	var (
		j            Job
		kind, status string
		payload      []byte
		result       []byte
		started      sql.NullTime
		finished     sql.NullTime
	)
	err := r.Scan(&j.ID, &j.InvoiceRef, &kind, &status, &payload, &result,
		&j.Error, &j.AttemptCount, &j.CreatedAt, &started, &finished)
	if err != nil {
		return nil, err
	}
	j.Kind = Kind(kind)
	j.Status = Status(status)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &j.Payload); err != nil {
			return nil, fmt.Errorf("decode job payload: %w", err)
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &j.Result); err != nil {
			return nil, fmt.Errorf("decode job result: %w", err)
		}
	}
	if started.Valid {
		t := started.Time.UTC()
		j.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time.UTC()
		j.FinishedAt = &t
	}
	return &j, nil
}

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode job map: %w", err)
	}
	return data, nil
}
