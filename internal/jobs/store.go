package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/faturaops/backend/internal/ports"
)

// Store is the scheduler's persistence seam. Implementations must make
// Enqueue's uniqueness check and Claim's transition atomic; everything else
// in the scheduler relies solely on that.
type Store interface {
	// Enqueue inserts a queued job. At most one active (queued or running)
	// job may exist per (invoiceRef, kind): when one already does,
	// preventDuplicate hands it back with created=false, otherwise the
	// insert fails with ErrDuplicateActive.
	Enqueue(ctx context.Context, invoiceRef string, kind Kind, payload map[string]any, preventDuplicate bool) (Job, bool, error)

	// Claim atomically takes the oldest queued job (FIFO by created_at),
	// marks it running and returns it. Returns nil when the queue is empty.
	// Under concurrent workers at most one claim succeeds per row.
	Claim(ctx context.Context) (*Job, error)

	// FinishOK transitions a running job to succeeded with its result.
	// No-op on already-terminal rows.
	FinishOK(ctx context.Context, id string, result map[string]any) error

	// FinishFail transitions a running job to failed with a bounded
	// diagnostic. No-op on already-terminal rows.
	FinishFail(ctx context.Context, id string, errMsg string) error

	// List returns jobs matching the filter, oldest first.
	List(ctx context.Context, f Filter) ([]Job, error)

	// ListStale returns running jobs whose started_at is older than the
	// cutoff; feed for an external reaper.
	ListStale(ctx context.Context, olderThan time.Duration) ([]Job, error)
}

// MemoryStore is the in-process Store used by tests and the stress harness.
// It honors the same invariants as the Postgres store under a single mutex.
type MemoryStore struct {
	mu    sync.Mutex
	clock ports.Clock
	rows  map[string]*Job
	seq   map[string]int64 // insertion order tiebreak for equal created_at
	next  int64
}

func NewMemoryStore(clock ports.Clock) *MemoryStore {
	return &MemoryStore{
		clock: clock,
		rows:  make(map[string]*Job),
		seq:   make(map[string]int64),
	}
}

func (m *MemoryStore) Enqueue(ctx context.Context, invoiceRef string, kind Kind, payload map[string]any, preventDuplicate bool) (Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// The active-pair check mirrors the Postgres partial unique index: the
	// invariant holds regardless of preventDuplicate, which only decides
	// whether a duplicate hands back the existing job or an error.
	for _, j := range m.rows {
		if j.InvoiceRef == invoiceRef && j.Kind == kind && j.Status.Active() {
			if preventDuplicate {
				return *j, false, nil
			}
			return Job{}, false, ErrDuplicateActive
		}
	}

	now := m.clock.Now()
	j := &Job{
		ID:         uuid.New().String(),
		InvoiceRef: invoiceRef,
		Kind:       kind,
		Status:     StatusQueued,
		Payload:    payload,
		CreatedAt:  now,
	}
	m.rows[j.ID] = j
	m.next++
	m.seq[j.ID] = m.next
	return *j, true, nil
}

func (m *MemoryStore) Claim(ctx context.Context) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var oldest *Job
	for _, j := range m.rows {
		if j.Status != StatusQueued {
			continue
		}
		if oldest == nil || j.CreatedAt.Before(oldest.CreatedAt) ||
			(j.CreatedAt.Equal(oldest.CreatedAt) && m.seq[j.ID] < m.seq[oldest.ID]) {
			oldest = j
		}
	}
	if oldest == nil {
		return nil, nil
	}

	now := m.clock.Now()
	oldest.Status = StatusRunning
	oldest.StartedAt = &now
	oldest.AttemptCount++
	claimed := *oldest
	return &claimed, nil
}

func (m *MemoryStore) FinishOK(ctx context.Context, id string, result map[string]any) error {
	return m.finish(id, StatusSucceeded, result, "")
}

func (m *MemoryStore) FinishFail(ctx context.Context, id string, errMsg string) error {
	return m.finish(id, StatusFailed, nil, truncateError(errMsg))
}

func (m *MemoryStore) finish(id string, to Status, result map[string]any, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.rows[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status.Terminal() {
		return nil
	}

	now := m.clock.Now()
	j.Status = to
	j.Result = result
	j.Error = errMsg
	j.FinishedAt = &now
	return nil
}

func (m *MemoryStore) List(ctx context.Context, f Filter) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Job
	for _, j := range m.rows {
		if f.InvoiceRef != "" && j.InvoiceRef != f.InvoiceRef {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.Kind != "" && j.Kind != f.Kind {
			continue
		}
		out = append(out, *j)
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		}
		return m.seq[out[a].ID] < m.seq[out[b].ID]
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) ListStale(ctx context.Context, olderThan time.Duration) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.clock.Now().Add(-olderThan)
	var out []Job
	for _, j := range m.rows {
		if j.Status == StatusRunning && j.StartedAt != nil && j.StartedAt.Before(cutoff) {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].StartedAt.Before(*out[b].StartedAt) })
	return out, nil
}
