package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/faturaops/backend/internal/incident"
	"github.com/faturaops/backend/internal/jobs"
)

// Endpoint names used for rate-limit quotas and deny metrics.
const (
	endpointEnqueueJob     = "enqueue_job"
	endpointListJobs       = "list_jobs"
	endpointListIncidents  = "list_incidents"
	endpointIncidentStatus = "incident_status"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type enqueueRequest struct {
	InvoiceRef       string         `json:"invoice_ref"`
	Kind             string         `json:"kind"`
	Payload          map[string]any `json:"payload,omitempty"`
	PreventDuplicate *bool          `json:"prevent_duplicate,omitempty"`
}

func (s *Server) handleEnqueueJob(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r, endpointEnqueueJob, "") {
		return
	}

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.InvoiceRef == "" {
		writeError(w, http.StatusBadRequest, "invoice_ref is required")
		return
	}

	kind := jobs.Kind(req.Kind)
	switch kind {
	case jobs.KindExtract, jobs.KindValidate, jobs.KindExtractAndValidate:
	default:
		writeError(w, http.StatusBadRequest, "unknown job kind")
		return
	}

	// Duplicate prevention defaults on; callers opt out explicitly.
	preventDup := true
	if req.PreventDuplicate != nil {
		preventDup = *req.PreventDuplicate
	}

	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payload["tenant_id"] = tenantID(r)

	job, created, err := s.store.Enqueue(r.Context(), req.InvoiceRef, kind, payload, preventDup)
	if err != nil {
		s.logger.Error("enqueue failed", "invoice_ref", req.InvoiceRef, "error", err)
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}

	if created && s.bus != nil {
		// Best effort: workers poll regardless.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.bus.PublishEnqueued(ctx, job.ID, job.InvoiceRef, string(job.Kind))
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{"job": job, "created": created})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r, endpointListJobs, "") {
		return
	}

	q := r.URL.Query()
	f := jobs.Filter{
		InvoiceRef: q.Get("invoice_ref"),
		Status:     jobs.Status(q.Get("status")),
		Kind:       jobs.Kind(q.Get("kind")),
		Limit:      queryInt(q.Get("limit"), 100),
	}

	list, err := s.store.List(r.Context(), f)
	if err != nil {
		s.logger.Error("list jobs failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list, "count": len(list)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r, endpointListJobs, "") {
		return
	}

	id := mux.Vars(r)["id"]
	list, err := s.store.List(r.Context(), jobs.Filter{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	for _, job := range list {
		if job.ID == id {
			writeJSON(w, http.StatusOK, map[string]any{"job": job})
			return
		}
	}
	writeError(w, http.StatusNotFound, "job not found")
}

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r, endpointListIncidents, "") {
		return
	}

	q := r.URL.Query()
	list, err := s.incidents.ListByStatus(r.Context(), tenantID(r),
		incident.Status(q.Get("status")), queryInt(q.Get("limit"), 100))
	if err != nil {
		s.logger.Error("list incidents failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidents": list, "count": len(list)})
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r, endpointListIncidents, "") {
		return
	}

	inc, err := s.incidents.GetByID(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, incident.ErrNotFound) {
		writeError(w, http.StatusNotFound, "incident not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"incident": inc})
}

type statusRequest struct {
	Status         string `json:"status"`
	ResolutionNote string `json:"resolution_note,omitempty"`
	ResolvedBy     string `json:"resolved_by,omitempty"`
}

func (s *Server) handleIncidentStatus(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r, endpointIncidentStatus, "") {
		return
	}

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	next := incident.Status(req.Status)
	if !next.Known() {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}

	id := mux.Vars(r)["id"]
	err := s.incidents.UpdateStatus(r.Context(), id, next, req.ResolutionNote, req.ResolvedBy)
	switch {
	case errors.Is(err, incident.ErrNotFound):
		writeError(w, http.StatusNotFound, "incident not found")
	case errors.Is(err, incident.ErrTransitionBlocked):
		writeError(w, http.StatusConflict, "status transition blocked")
	case err != nil:
		s.logger.Error("status update failed", "incident_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "update failed")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": req.Status})
	}
}

func (s *Server) handleGuardStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"circuit_breakers": s.breakers.States(),
		"rate_limiter":     s.limiter.Stats(),
	})
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
