// Package pipeline contains the job handlers that tie the queue to the
// rest of the system: blob fetch, extraction, validation enforcement and
// incident reporting. Every external call goes through a dependency
// wrapper; the handler itself never retries.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/faturaops/backend/internal/guard"
	"github.com/faturaops/backend/internal/incident"
	"github.com/faturaops/backend/internal/jobs"
	"github.com/faturaops/backend/internal/ports"
	"github.com/faturaops/backend/internal/validation"
)

// Dependency names used for wrapper policies and circuit breakers.
const (
	DepBlobStore = "blob_store"
	DepExtractor = "extractor"
	DepTariffAPI = "tariff_api"
	DepIssueSink = "issue_sink"
)

// Deps bundles the pipeline's collaborators.
type Deps struct {
	Storage   ports.StoragePort
	Extractor ports.ExtractorPort
	Tariffs   ports.TariffLookupPort // optional
	Enforcer  *validation.Enforcer
	Incidents incident.Repository
	Issues    ports.IssueSink // optional
	RouterCfg incident.RouterConfig
	Clock     ports.Clock
	Metrics   ports.MetricsSink
	GuardCfg  guard.Config
	Breakers  *guard.BreakerRegistry
	Rng       ports.Rng
}

// Pipeline dispatches claimed jobs by kind.
type Pipeline struct {
	deps   Deps
	logger *slog.Logger

	storageRead  *guard.WrapperPolicy
	storageWrite *guard.WrapperPolicy
	extract      *guard.WrapperPolicy
	tariffLookup *guard.WrapperPolicy
	issueSubmit  *guard.WrapperPolicy
}

func New(deps Deps) *Pipeline {
	return &Pipeline{
		deps:         deps,
		logger:       slog.Default().With("component", "pipeline"),
		storageRead:  guard.PolicyFor(deps.GuardCfg, DepBlobStore, false, deps.Breakers, deps.Metrics, deps.Rng),
		storageWrite: guard.PolicyFor(deps.GuardCfg, DepBlobStore, true, deps.Breakers, deps.Metrics, deps.Rng),
		extract:      guard.PolicyFor(deps.GuardCfg, DepExtractor, false, deps.Breakers, deps.Metrics, deps.Rng),
		tariffLookup: guard.PolicyFor(deps.GuardCfg, DepTariffAPI, false, deps.Breakers, deps.Metrics, deps.Rng),
		issueSubmit:  guard.PolicyFor(deps.GuardCfg, DepIssueSink, true, deps.Breakers, deps.Metrics, deps.Rng),
	}
}

// Handle implements jobs.Handler.
func (p *Pipeline) Handle(ctx context.Context, job jobs.Job) (map[string]any, error) {
	switch job.Kind {
	case jobs.KindExtract:
		return p.handleExtract(ctx, job)
	case jobs.KindValidate:
		return p.handleValidate(ctx, job)
	case jobs.KindExtractAndValidate:
		extracted, err := p.handleExtract(ctx, job)
		if err != nil {
			return nil, err
		}
		doc, _ := extracted["invoice"].(map[string]any)
		return p.validateDoc(ctx, job, doc)
	default:
		return nil, fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

// handleExtract fetches the raw invoice, runs the extractor and stores the
// canonical document under extracted:<invoice_ref>.
func (p *Pipeline) handleExtract(ctx context.Context, job jobs.Job) (map[string]any, error) {
	blobRef, _ := job.Payload["blob_ref"].(string)
	if blobRef == "" {
		blobRef = job.InvoiceRef
	}
	mime, _ := job.Payload["mime"].(string)
	if mime == "" {
		mime = "application/pdf"
	}
	hints, _ := job.Payload["hints"].(map[string]any)

	res := p.storageRead.Invoke(ctx, func(ctx context.Context) (any, error) {
		return p.deps.Storage.GetBytes(ctx, blobRef)
	})
	if res.Outcome != guard.OutcomeOK {
		return nil, fmt.Errorf("fetch blob %s: %w", blobRef, res.Err)
	}
	raw := res.Value.([]byte)

	res = p.extract.Invoke(ctx, func(ctx context.Context) (any, error) {
		return p.deps.Extractor.Extract(ctx, raw, mime, hints)
	})
	if res.Outcome != guard.OutcomeOK {
		return nil, fmt.Errorf("extract %s: %w", job.InvoiceRef, res.Err)
	}
	doc := res.Value.(map[string]any)

	stored, err := encodeDoc(doc)
	if err != nil {
		return nil, fmt.Errorf("encode extracted document: %w", err)
	}
	res = p.storageWrite.Invoke(ctx, func(ctx context.Context) (any, error) {
		return nil, p.deps.Storage.PutBytes(ctx, extractedRef(job.InvoiceRef), stored)
	})
	if res.Outcome != guard.OutcomeOK {
		return nil, fmt.Errorf("store extracted document: %w", res.Err)
	}

	p.deps.Metrics.Inc("pipeline_extract_total", map[string]string{"outcome": "ok"})
	return map[string]any{
		"invoice":  doc,
		"blob_ref": blobRef,
	}, nil
}

// handleValidate loads the extracted document and runs enforcement. The
// document comes inline in the payload when present, otherwise from the
// blob store.
func (p *Pipeline) handleValidate(ctx context.Context, job jobs.Job) (map[string]any, error) {
	doc, ok := job.Payload["invoice"].(map[string]any)
	if !ok {
		res := p.storageRead.Invoke(ctx, func(ctx context.Context) (any, error) {
			return p.deps.Storage.GetBytes(ctx, extractedRef(job.InvoiceRef))
		})
		if res.Outcome != guard.OutcomeOK {
			return nil, fmt.Errorf("load extracted document for %s: %w", job.InvoiceRef, res.Err)
		}
		var err error
		doc, err = decodeDoc(res.Value.([]byte))
		if err != nil {
			return nil, fmt.Errorf("decode extracted document: %w", err)
		}
	}
	return p.validateDoc(ctx, job, doc)
}

func (p *Pipeline) validateDoc(ctx context.Context, job jobs.Job, doc map[string]any) (map[string]any, error) {
	if doc == nil {
		return nil, fmt.Errorf("validate %s: no document", job.InvoiceRef)
	}

	p.enrichUnitPrice(ctx, job, doc)

	decision := p.deps.Enforcer.Evaluate(job.InvoiceRef, doc)

	result := map[string]any{
		"verdict": string(decision.Verdict),
		"valid":   decision.Result.Valid,
	}
	if len(decision.Result.Errors) > 0 {
		errs := make([]map[string]any, 0, len(decision.Result.Errors))
		for _, issue := range decision.Result.Errors {
			errs = append(errs, map[string]any{
				"code":     string(issue.Code),
				"severity": string(issue.Severity),
				"message":  issue.Message,
			})
		}
		result["errors"] = errs
	}
	if len(decision.BlockerCodes) > 0 {
		codes := make([]string, 0, len(decision.BlockerCodes))
		for _, c := range decision.BlockerCodes {
			codes = append(codes, string(c))
		}
		result["blocker_codes"] = codes
	}

	// A warn or block verdict raises an incident; the job itself still
	// succeeds. Validation failure is a domain outcome, not a worker error.
	if decision.Verdict != validation.VerdictPass {
		if err := p.raiseIncident(ctx, job, doc, decision); err != nil {
			p.logger.Error("incident upsert failed", "invoice_ref", job.InvoiceRef, "error", err)
		}
	}

	p.deps.Metrics.Inc("pipeline_validate_total", map[string]string{"verdict": string(decision.Verdict)})
	return result, nil
}

// enrichUnitPrice fills a missing unit_price from the tariff service. The
// lookup is read-path fail-open: on failure a RetryLookup incident is
// raised and validation proceeds with the document as-is.
func (p *Pipeline) enrichUnitPrice(ctx context.Context, job jobs.Job, doc map[string]any) {
	if p.deps.Tariffs == nil {
		return
	}
	if _, have := doc["unit_price"]; have {
		return
	}
	tariffCode, _ := doc["tariff_code"].(string)
	period, _ := doc["period"].(string)
	if tariffCode == "" || period == "" {
		return
	}

	res := p.tariffLookup.Invoke(ctx, func(ctx context.Context) (any, error) {
		return p.deps.Tariffs.LookupUnitPrice(ctx, tariffCode, period)
	})
	if res.Outcome == guard.OutcomeOK {
		doc["unit_price"] = res.Value.(float64)
		return
	}

	p.logger.Warn("tariff lookup failed", "invoice_ref", job.InvoiceRef, "tariff_code", tariffCode, "outcome", string(res.Outcome))
	provider, _ := doc["provider"].(string)
	invoiceID, _ := doc["invoice_id"].(string)
	if invoiceID == "" {
		invoiceID = job.InvoiceRef
	}
	tenantID, _ := job.Payload["tenant_id"].(string)

	rec := incident.Record{
		TenantID:    tenantID,
		TraceID:     job.ID,
		Provider:    provider,
		InvoiceID:   invoiceID,
		Period:      period,
		PrimaryFlag: "LOOKUP_FAIL",
		Category:    "LOOKUP",
		Severity:    "S3",
		Action: incident.Action{
			Type:  incident.ActionRetryLookup,
			Owner: "pipeline",
			Code:  "TARIFF_LOOKUP_FAILED",
		},
		AllFlags: []string{"LOOKUP_FAIL"},
		LookupEvidence: map[string]any{
			"tariff": map[string]any{"status": string(res.Outcome), "source": DepTariffAPI},
		},
	}
	routed := incident.Route(rec, p.deps.Clock.Now(), p.deps.RouterCfg)
	if _, _, err := p.deps.Incidents.Upsert(ctx, rec, routed); err != nil {
		p.logger.Error("lookup incident upsert failed", "invoice_ref", job.InvoiceRef, "error", err)
	}
}

// raiseIncident folds a validation verdict into the incident engine.
func (p *Pipeline) raiseIncident(ctx context.Context, job jobs.Job, doc map[string]any, decision validation.Decision) error {
	rec := recordFor(job, doc, decision)
	routed := incident.Route(rec, p.deps.Clock.Now(), p.deps.RouterCfg)

	id, isNew, err := p.deps.Incidents.Upsert(ctx, rec, routed)
	if err != nil {
		return err
	}

	// New BugReport incidents are exported once; dedup hits are not.
	if isNew && routed.ActionType == incident.ActionBugReport && p.deps.Issues != nil {
		payload, _ := routed.Payload["issue"].(map[string]any)
		if payload != nil {
			res := p.issueSubmit.Invoke(ctx, func(ctx context.Context) (any, error) {
				return nil, p.deps.Issues.Submit(ctx, payload)
			})
			if res.Outcome != guard.OutcomeOK {
				p.logger.Warn("issue submit failed", "incident_id", id, "error", res.Err)
			}
		}
	}
	return nil
}

// recordFor builds the incident record for a validation failure. The
// primary flag is the highest-ranked error code; blockers outrank warns.
func recordFor(job jobs.Job, doc map[string]any, decision validation.Decision) incident.Record {
	primary := "VALIDATION_FAILED"
	if len(decision.BlockerCodes) > 0 {
		primary = string(decision.BlockerCodes[0])
	} else if len(decision.Result.Errors) > 0 {
		primary = string(decision.Result.Errors[0].Code)
	}

	var all []string
	for _, issue := range decision.Result.Errors {
		all = append(all, string(issue.Code))
	}

	provider, _ := doc["provider"].(string)
	invoiceID, _ := doc["invoice_id"].(string)
	if invoiceID == "" {
		invoiceID = job.InvoiceRef
	}
	period, _ := doc["period"].(string)
	tenantID, _ := job.Payload["tenant_id"].(string)

	severity := "S3"
	action := incident.Action{
		Type:     incident.ActionUserFix,
		Owner:    "operations",
		Code:     primary,
		HintText: "Invoice failed validation; review the flagged fields.",
	}
	if decision.Verdict == validation.VerdictBlock {
		severity = "S2"
	}

	return incident.Record{
		TenantID:    tenantID,
		TraceID:     job.ID,
		Provider:    provider,
		InvoiceID:   invoiceID,
		Period:      period,
		PrimaryFlag: primary,
		Category:    "VALIDATION",
		Severity:    severity,
		Action:      action,
		AllFlags:    all,
	}
}

func extractedRef(invoiceRef string) string {
	return "extracted:" + invoiceRef
}
