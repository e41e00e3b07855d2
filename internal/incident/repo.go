package incident

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/faturaops/backend/internal/fingerprint"
	"github.com/faturaops/backend/internal/ports"
)

// Repository owns all mutable incident state. Other components only go
// through these operations; the read-then-upsert is atomic per row.
type Repository interface {
	// Upsert deduplicates by (tenant, dedupe_key, dedupe_bucket). A hit
	// bumps last_seen/occurrence_count, applies the status transition rule
	// and the per-action payload policy; a miss inserts a fresh row. The
	// bucket advancing at the UTC-day boundary yields a new row for the
	// same key: the 24-hour re-alert TTL.
	Upsert(ctx context.Context, rec Record, routed RoutedAction) (id string, isNew bool, err error)

	// UpdateStatus applies the monotonic transition rule to an explicit
	// status change.
	UpdateStatus(ctx context.Context, id string, next Status, resolutionNote, resolvedBy string) error

	// GetByID returns one incident.
	GetByID(ctx context.Context, id string) (*Incident, error)

	// ListByStatus returns a tenant's incidents in last_seen_at DESC order.
	ListByStatus(ctx context.Context, tenantID string, status Status, limit int) ([]Incident, error)
}

// applyDedupHit mutates an existing row for a repeated occurrence. Shared
// by the memory and Postgres repositories so the policy lives in one place.
func applyDedupHit(existing *Incident, rec Record, routed RoutedAction) {
	existing.OccurrenceCount++

	if CanTransition(existing.Status, routed.Status) {
		existing.Status = routed.Status
	}

	switch routed.ActionType {
	case ActionBugReport:
		// Keep the original forensic snapshot: write only if empty.
		if len(existing.RoutedPayload) == 0 {
			existing.RoutedPayload = routed.Payload
		}
	case ActionUserFix, ActionRetryLookup:
		// Fresh payload wins; retry_eligible_at wants re-evaluation.
		existing.RoutedPayload = routed.Payload
	case ActionFallbackOk:
		// No payload.
	}

	if len(rec.Details) > 0 {
		if existing.Details == nil {
			existing.Details = map[string]any{}
		}
		for k, v := range rec.Details {
			existing.Details[k] = v
		}
	}
}

func newIncident(rec Record, routed RoutedAction, key string, bucket int64) Incident {
	return Incident{
		ID:              uuid.New().String(),
		TenantID:        rec.TenantID,
		TraceID:         rec.TraceID,
		Provider:        rec.Provider,
		InvoiceID:       rec.InvoiceID,
		Period:          rec.Period,
		PrimaryFlag:     rec.PrimaryFlag,
		Category:        rec.Category,
		Severity:        rec.Severity,
		ActionType:      rec.Action.Type,
		ActionOwner:     rec.Action.Owner,
		ActionCode:      rec.Action.Code,
		AllFlags:        append([]string(nil), rec.AllFlags...),
		SecondaryFlags:  append([]string(nil), rec.SecondaryFlags...),
		DeductionTotal:  rec.DeductionTotal,
		RoutedPayload:   routed.Payload,
		Details:         rec.Details,
		DedupeKey:       key,
		DedupeBucket:    bucket,
		Status:          routed.Status,
		OccurrenceCount: 1,
	}
}

// MemoryRepository is the in-process Repository used by tests and the
// stress harness.
type MemoryRepository struct {
	mu    sync.Mutex
	clock ports.Clock
	rows  map[string]*Incident
}

func NewMemoryRepository(clock ports.Clock) *MemoryRepository {
	return &MemoryRepository{clock: clock, rows: make(map[string]*Incident)}
}

func (m *MemoryRepository) Upsert(ctx context.Context, rec Record, routed RoutedAction) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	key := rec.DedupeKey()
	bucket := fingerprint.DedupeBucket(now)

	for _, row := range m.rows {
		if row.TenantID == rec.TenantID && row.DedupeKey == key && row.DedupeBucket == bucket {
			applyDedupHit(row, rec, routed)
			row.LastSeenAt = now
			row.UpdatedAt = now
			return row.ID, false, nil
		}
	}

	inc := newIncident(rec, routed, key, bucket)
	inc.FirstSeenAt = now
	inc.LastSeenAt = now
	inc.CreatedAt = now
	inc.UpdatedAt = now
	m.rows[inc.ID] = &inc
	return inc.ID, true, nil
}

func (m *MemoryRepository) UpdateStatus(ctx context.Context, id string, next Status, resolutionNote, resolvedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[id]
	if !ok {
		return ErrNotFound
	}
	if !CanTransition(row.Status, next) {
		return ErrTransitionBlocked
	}

	now := m.clock.Now()
	row.Status = next
	row.UpdatedAt = now
	if next == StatusResolved {
		row.ResolvedAt = &now
		row.ResolutionNote = resolutionNote
		row.ResolvedBy = resolvedBy
	}
	return nil
}

func (m *MemoryRepository) GetByID(ctx context.Context, id string) (*Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (m *MemoryRepository) ListByStatus(ctx context.Context, tenantID string, status Status, limit int) ([]Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Incident
	for _, row := range m.rows {
		if row.TenantID != tenantID {
			continue
		}
		if status != "" && row.Status != status {
			continue
		}
		out = append(out, *row)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].LastSeenAt.After(out[b].LastSeenAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
