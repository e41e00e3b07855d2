package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/faturaops/backend/internal/ports"
)

// Handler executes one claimed job and returns its result map. Returning an
// error fails the job; the worker never retries at this layer (retries are
// the dependency wrapper's and the incident engine's business).
type Handler interface {
	Handle(ctx context.Context, job Job) (map[string]any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job Job) (map[string]any, error)

func (f HandlerFunc) Handle(ctx context.Context, job Job) (map[string]any, error) {
	return f(ctx, job)
}

// WorkerConfig tunes a single worker loop.
type WorkerConfig struct {
	// WorkerID labels log lines and metrics.
	WorkerID string

	// PollInterval is the idle sleep between empty claims.
	PollInterval time.Duration
}

// Worker is a single-threaded claim/dispatch/finish loop. Run several
// Workers for parallelism; safety relies solely on the store's atomic claim.
type Worker struct {
	cfg     WorkerConfig
	store   Store
	handler Handler
	metrics ports.MetricsSink
	logger  *slog.Logger

	// wake shortens the idle sleep when a broker notification arrives.
	// Optional; the DB remains authoritative and a wakeup may find nothing.
	wake <-chan struct{}
}

func NewWorker(cfg WorkerConfig, store Store, handler Handler, metrics ports.MetricsSink, wake <-chan struct{}) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker"
	}
	return &Worker{
		cfg:     cfg,
		store:   store,
		handler: handler,
		metrics: metrics,
		logger:  slog.Default().With("component", "job_worker", "worker_id", cfg.WorkerID),
		wake:    wake,
	}
}

// Run polls until ctx is cancelled. On shutdown the current job is finished
// and committed before returning; the loop never abandons a running row.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker started", "poll_interval", w.cfg.PollInterval)
	for {
		if ctx.Err() != nil {
			w.logger.Info("worker stopped")
			return
		}

		job, err := w.store.Claim(ctx)
		if err != nil {
			w.logger.Error("claim failed", "error", err)
			w.metrics.Inc("job_claim_errors_total", map[string]string{"worker": w.cfg.WorkerID})
			w.sleep(ctx)
			continue
		}
		if job == nil {
			w.sleep(ctx)
			continue
		}

		w.runOne(ctx, *job)
	}
}

// RunOnce claims and processes at most one job; used by tests and by the
// broker notification path. Returns true if a job was processed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.Claim(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.runOne(ctx, *job)
	return true, nil
}

func (w *Worker) runOne(ctx context.Context, job Job) {
	start := time.Now()
	result, err := w.dispatch(ctx, job)

	if err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "invoice_ref", job.InvoiceRef,
			"kind", job.Kind, "error", err)
		if finErr := w.store.FinishFail(ctx, job.ID, err.Error()); finErr != nil {
			w.logger.Error("finish_fail failed", "job_id", job.ID, "error", finErr)
		}
		w.metrics.Inc("jobs_processed_total", map[string]string{"kind": string(job.Kind), "outcome": "failed"})
		return
	}

	if finErr := w.store.FinishOK(ctx, job.ID, result); finErr != nil {
		w.logger.Error("finish_ok failed", "job_id", job.ID, "error", finErr)
	}
	w.metrics.Inc("jobs_processed_total", map[string]string{"kind": string(job.Kind), "outcome": "succeeded"})
	w.logger.Info("job done", "job_id", job.ID, "kind", job.Kind, "took", time.Since(start))
}

// dispatch invokes the handler with a top-level panic guard so a handler
// bug fails the owning job instead of killing the worker.
func (w *Worker) dispatch(ctx context.Context, job Job) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler.Handle(ctx, job)
}

func (w *Worker) sleep(ctx context.Context) {
	timer := time.NewTimer(w.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-w.wakeChan():
	}
}

func (w *Worker) wakeChan() <-chan struct{} {
	if w.wake != nil {
		return w.wake
	}
	// Nil channel blocks forever; the timer still fires.
	return nil
}
