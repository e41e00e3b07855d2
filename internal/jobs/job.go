// Package jobs implements the DB-backed work queue that drives the invoice
// pipeline: idempotent enqueue, FIFO claim, a strict status lifecycle and
// multi-worker safety.
//
// The database is the source of truth. There is no in-memory queue; an
// optional Redis notification (internal/events) only shortens poll latency.
package jobs

import (
	"errors"
	"time"
)

// Kind selects what the worker does with a claimed job.
type Kind string

const (
	KindExtract            Kind = "extract"
	KindValidate           Kind = "validate"
	KindExtractAndValidate Kind = "extract_and_validate"
)

// Status is the job lifecycle state. Transitions follow
// queued -> running -> {succeeded, failed}; terminal statuses are immutable.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is an end state.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Active reports whether s participates in the one-active-job-per-pair
// uniqueness constraint.
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusRunning
}

// MaxErrorLen bounds the diagnostic stored on a failed job.
const MaxErrorLen = 2000

// Job is one unit of pipeline work for a single invoice.
type Job struct {
	ID           string         `json:"id"`
	InvoiceRef   string         `json:"invoice_ref"`
	Kind         Kind           `json:"kind"`
	Status       Status         `json:"status"`
	Payload      map[string]any `json:"payload,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	AttemptCount int            `json:"attempt_count"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
}

// Filter narrows List results. Zero values mean "any".
type Filter struct {
	InvoiceRef string
	Status     Status
	Kind       Kind
	Limit      int
}

var (
	// ErrNotFound is returned when a job id does not exist.
	ErrNotFound = errors.New("job not found")

	// ErrDuplicateActive is returned when an insert would create a second
	// queued-or-running job for the same (invoice_ref, kind) pair.
	ErrDuplicateActive = errors.New("active job already exists for invoice/kind pair")
)

// truncateError bounds a worker diagnostic to MaxErrorLen.
func truncateError(msg string) string {
	if len(msg) > MaxErrorLen {
		return msg[:MaxErrorLen]
	}
	return msg
}
