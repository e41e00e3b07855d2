// Package incident implements the operational incident engine: action
// routing, stable-fingerprint dedup with a 24-hour bucket, a monotonic
// status machine and PII-safe issue payloads.
package incident

import (
	"errors"
	"time"

	"github.com/faturaops/backend/internal/fingerprint"
)

// ActionType selects how an incident is routed.
type ActionType string

const (
	ActionUserFix     ActionType = "UserFix"
	ActionRetryLookup ActionType = "RetryLookup"
	ActionBugReport   ActionType = "BugReport"
	ActionFallbackOk  ActionType = "FallbackOk"
)

// Action describes the remediation attached to an incident flag.
type Action struct {
	Type     ActionType `json:"type"`
	Owner    string     `json:"owner"`
	Code     string     `json:"code"`
	HintText string     `json:"hint_text,omitempty"`
}

// Status is the incident lifecycle state.
type Status string

const (
	StatusOpen         Status = "Open"
	StatusPendingRetry Status = "PendingRetry"
	StatusReported     Status = "Reported"
	StatusAcknowledged Status = "Acknowledged"
	StatusResolved     Status = "Resolved"
	StatusAutoResolved Status = "AutoResolved"
)

// statusPriority orders statuses for the monotonic transition rule.
var statusPriority = map[Status]int{
	StatusResolved:     100,
	StatusAcknowledged: 80,
	StatusReported:     60,
	StatusPendingRetry: 40,
	StatusOpen:         20,
	StatusAutoResolved: 10,
}

// Priority returns the transition priority of s; unknown statuses rank
// lowest.
func (s Status) Priority() int {
	return statusPriority[s]
}

// Known reports whether s is a member of the closed status set.
func (s Status) Known() bool {
	_, ok := statusPriority[s]
	return ok
}

// CanTransition reports whether current may move to next: allowed when the
// current status is Open (the escape hatch) or the new priority is at least
// the current one.
func CanTransition(current, next Status) bool {
	if current == StatusOpen {
		return true
	}
	return next.Priority() >= current.Priority()
}

// Record is the canonical incident record entering the engine, before
// routing and persistence.
type Record struct {
	TenantID       string         `json:"tenant_id"`
	TraceID        string         `json:"trace_id"`
	Provider       string         `json:"provider"`
	InvoiceID      string         `json:"invoice_id"`
	Period         string         `json:"period"` // YYYY-MM invoice period
	PrimaryFlag    string         `json:"primary_flag"`
	Category       string         `json:"category"`
	Severity       string         `json:"severity"` // S1..S4
	Action         Action         `json:"action"`
	AllFlags       []string       `json:"all_flags"`
	SecondaryFlags []string       `json:"secondary_flags"`
	DeductionTotal int            `json:"deduction_total"`
	CalcContext    map[string]any `json:"calc_context,omitempty"`
	LookupEvidence map[string]any `json:"lookup_evidence,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
}

// DedupeKey returns the stable fingerprint of the record's identity fields.
// No time-varying field participates.
func (r Record) DedupeKey() string {
	return fingerprint.DedupeKey(r.Provider, r.InvoiceID, r.PrimaryFlag, r.Category, r.Action.Code, r.Period)
}

// Incident is a stored incident row.
type Incident struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenant_id"`
	TraceID         string         `json:"trace_id"`
	Provider        string         `json:"provider"`
	InvoiceID       string         `json:"invoice_id"`
	Period          string         `json:"period"`
	PrimaryFlag     string         `json:"primary_flag"`
	Category        string         `json:"category"`
	Severity        string         `json:"severity"`
	ActionType      ActionType     `json:"action_type"`
	ActionOwner     string         `json:"action_owner"`
	ActionCode      string         `json:"action_code"`
	AllFlags        []string       `json:"all_flags"`
	SecondaryFlags  []string       `json:"secondary_flags"`
	DeductionTotal  int            `json:"deduction_total"`
	RoutedPayload   map[string]any `json:"routed_payload,omitempty"`
	Details         map[string]any `json:"details,omitempty"`
	DedupeKey       string         `json:"dedupe_key"`
	DedupeBucket    int64          `json:"dedupe_bucket"`
	Status          Status         `json:"status"`
	OccurrenceCount int            `json:"occurrence_count"`
	FirstSeenAt     time.Time      `json:"first_seen_at"`
	LastSeenAt      time.Time      `json:"last_seen_at"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
	ResolutionNote  string         `json:"resolution_note,omitempty"`
	ResolvedBy      string         `json:"resolved_by,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

var (
	// ErrNotFound is returned for unknown incident ids.
	ErrNotFound = errors.New("incident not found")

	// ErrTransitionBlocked is returned when the monotonic status rule
	// rejects an explicit update.
	ErrTransitionBlocked = errors.New("status transition blocked")
)
