package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faturaops/backend/internal/monitoring"
)

func TestWorkerRunOnceSucceeds(t *testing.T) {
	store, _ := newTestStore()
	sink := monitoring.NewMemorySink()
	ctx := context.Background()

	job, _, err := store.Enqueue(ctx, "inv-1", KindExtract, map[string]any{"blob_ref": "b1"}, false)
	require.NoError(t, err)

	handler := HandlerFunc(func(ctx context.Context, j Job) (map[string]any, error) {
		assert.Equal(t, job.ID, j.ID)
		return map[string]any{"ok": true}, nil
	})
	w := NewWorker(WorkerConfig{WorkerID: "w1"}, store, handler, sink, nil)

	processed, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	list, err := store.List(ctx, Filter{InvoiceRef: "inv-1"})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, list[0].Status)
	assert.Equal(t, true, list[0].Result["ok"])
	assert.Equal(t, 1.0, sink.Counter("jobs_processed_total", map[string]string{"kind": "extract", "outcome": "succeeded"}))
}

func TestWorkerRunOnceFailsJobOnHandlerError(t *testing.T) {
	store, _ := newTestStore()
	sink := monitoring.NewMemorySink()
	ctx := context.Background()

	_, _, err := store.Enqueue(ctx, "inv-1", KindValidate, nil, false)
	require.NoError(t, err)

	handler := HandlerFunc(func(ctx context.Context, j Job) (map[string]any, error) {
		return nil, errors.New("extractor unreachable")
	})
	w := NewWorker(WorkerConfig{}, store, handler, sink, nil)

	processed, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	list, err := store.List(ctx, Filter{InvoiceRef: "inv-1"})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, list[0].Status)
	assert.Equal(t, "extractor unreachable", list[0].Error)
}

func TestWorkerSurvivesHandlerPanic(t *testing.T) {
	store, _ := newTestStore()
	sink := monitoring.NewMemorySink()
	ctx := context.Background()

	_, _, err := store.Enqueue(ctx, "inv-1", KindExtract, nil, false)
	require.NoError(t, err)

	handler := HandlerFunc(func(ctx context.Context, j Job) (map[string]any, error) {
		panic("nil dereference in handler")
	})
	w := NewWorker(WorkerConfig{}, store, handler, sink, nil)

	// The panic fails the job; the worker itself keeps going.
	processed, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	list, err := store.List(ctx, Filter{InvoiceRef: "inv-1"})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, list[0].Status)
	assert.Contains(t, list[0].Error, "handler panic")
}

func TestWorkerRunOnceEmptyQueue(t *testing.T) {
	store, _ := newTestStore()
	w := NewWorker(WorkerConfig{}, store, HandlerFunc(func(ctx context.Context, j Job) (map[string]any, error) {
		t.Fatal("handler must not run on empty queue")
		return nil, nil
	}), monitoring.NewMemorySink(), nil)

	processed, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
}
