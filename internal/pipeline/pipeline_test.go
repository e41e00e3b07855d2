package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faturaops/backend/internal/guard"
	"github.com/faturaops/backend/internal/incident"
	"github.com/faturaops/backend/internal/jobs"
	"github.com/faturaops/backend/internal/monitoring"
	"github.com/faturaops/backend/internal/ports"
	"github.com/faturaops/backend/internal/validation"
)

type fakeStorage struct {
	mu    sync.Mutex
	blobs map[string][]byte
	fail  bool
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{blobs: map[string][]byte{}}
}

func (s *fakeStorage) GetBytes(ctx context.Context, ref string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, errors.New("storage down")
	}
	data, ok := s.blobs[ref]
	if !ok {
		return nil, errors.New("blob not found: " + ref)
	}
	return data, nil
}

func (s *fakeStorage) PutBytes(ctx context.Context, ref string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("storage down")
	}
	s.blobs[ref] = data
	return nil
}

type fakeExtractor struct {
	doc map[string]any
	err error
}

func (e *fakeExtractor) Extract(ctx context.Context, image []byte, mime string, hints map[string]any) (map[string]any, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.doc, nil
}

type fakeTariffs struct {
	price float64
	err   error
	calls int
}

func (tl *fakeTariffs) LookupUnitPrice(ctx context.Context, tariffCode, period string) (float64, error) {
	tl.calls++
	if tl.err != nil {
		return 0, tl.err
	}
	return tl.price, nil
}

type fakeIssueSink struct {
	payloads []map[string]any
}

func (s *fakeIssueSink) Submit(ctx context.Context, payload map[string]any) error {
	s.payloads = append(s.payloads, payload)
	return nil
}

type fixture struct {
	pipeline  *Pipeline
	storage   *fakeStorage
	extractor *fakeExtractor
	tariffs   *fakeTariffs
	issues    *fakeIssueSink
	incidents *incident.MemoryRepository
	sink      *monitoring.MemorySink
}

func newFixture(t *testing.T, mode validation.Mode) *fixture {
	t.Helper()
	clock := ports.NewFakeClock(time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC))
	sink := monitoring.NewMemorySink()

	cfg := guard.DefaultConfig()
	breakers := guard.NewBreakerRegistry(cfg, clock, sink)

	enfCfg := validation.DefaultEnforcementConfig()
	enfCfg.Mode = mode
	enforcer := validation.NewEnforcer(enfCfg, nil, sink)

	f := &fixture{
		storage:   newFakeStorage(),
		extractor: &fakeExtractor{},
		tariffs:   &fakeTariffs{price: 2.5},
		issues:    &fakeIssueSink{},
		incidents: incident.NewMemoryRepository(clock),
		sink:      sink,
	}
	f.pipeline = New(Deps{
		Storage:   f.storage,
		Extractor: f.extractor,
		Tariffs:   f.tariffs,
		Enforcer:  enforcer,
		Incidents: f.incidents,
		Issues:    f.issues,
		RouterCfg: incident.DefaultRouterConfig(),
		Clock:     clock,
		Metrics:   sink,
		GuardCfg:  cfg,
		Breakers:  breakers,
		Rng:       ports.NewSeededRng(1),
	})
	// Retries sleep; tests must not.
	f.pipeline.storageRead.SetSleep(func(time.Duration) {})
	f.pipeline.storageWrite.SetSleep(func(time.Duration) {})
	f.pipeline.extract.SetSleep(func(time.Duration) {})
	f.pipeline.tariffLookup.SetSleep(func(time.Duration) {})
	f.pipeline.issueSubmit.SetSleep(func(time.Duration) {})
	return f
}

func extractJob(payload map[string]any) jobs.Job {
	return jobs.Job{ID: "job-1", InvoiceRef: "inv-1", Kind: jobs.KindExtract, Payload: payload}
}

func validDoc() map[string]any {
	return map[string]any{
		"provider":     "ck",
		"invoice_id":   "INV-1",
		"period":       "2025-01",
		"ettn":         "12345678-1234-1234-1234-123456789abc",
		"invoice_date": "2025-02-03",
		"lines": []map[string]any{
			{"qty_kwh": 100.0, "unit_price": 2.0, "amount": 200.0},
		},
		"totals": map[string]any{"total": 200.0, "payable": 200.0},
	}
}

func TestHandleExtractStoresDocument(t *testing.T) {
	f := newFixture(t, validation.ModeOff)
	f.storage.blobs["raw-1"] = []byte("%PDF-...")
	f.extractor.doc = validDoc()

	result, err := f.pipeline.Handle(context.Background(), extractJob(map[string]any{"blob_ref": "raw-1"}))
	require.NoError(t, err)
	assert.Equal(t, validDoc(), result["invoice"])

	stored, ok := f.storage.blobs["extracted:inv-1"]
	require.True(t, ok)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(stored, &doc))
	assert.Equal(t, "INV-1", doc["invoice_id"])
}

func TestHandleExtractBlobMissing(t *testing.T) {
	f := newFixture(t, validation.ModeOff)
	f.pipeline.storageRead.FailOpen = false

	_, err := f.pipeline.Handle(context.Background(), extractJob(map[string]any{"blob_ref": "nope"}))
	assert.Error(t, err)
}

func TestHandleValidatePassStoresVerdict(t *testing.T) {
	f := newFixture(t, validation.ModeEnforceHard)

	job := jobs.Job{ID: "job-2", InvoiceRef: "inv-1", Kind: jobs.KindValidate,
		Payload: map[string]any{"invoice": validDoc()}}
	result, err := f.pipeline.Handle(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "pass", result["verdict"])
	assert.Equal(t, true, result["valid"])

	// Clean invoices raise no incidents.
	list, err := f.incidents.ListByStatus(context.Background(), "", "", 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestHandleValidateLoadsDocumentFromStore(t *testing.T) {
	f := newFixture(t, validation.ModeEnforceHard)
	data, err := json.Marshal(validDoc())
	require.NoError(t, err)
	f.storage.blobs["extracted:inv-1"] = data

	job := jobs.Job{ID: "job-2", InvoiceRef: "inv-1", Kind: jobs.KindValidate}
	result, err := f.pipeline.Handle(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "pass", result["verdict"])
}

func TestHandleValidateBlockRaisesIncident(t *testing.T) {
	f := newFixture(t, validation.ModeEnforceHard)

	doc := validDoc()
	doc["ettn"] = "garbage"
	job := jobs.Job{ID: "job-3", InvoiceRef: "inv-1", Kind: jobs.KindValidate,
		Payload: map[string]any{"invoice": doc, "tenant_id": "t1"}}

	result, err := f.pipeline.Handle(context.Background(), job)
	require.NoError(t, err, "a blocked invoice is a domain outcome, not a job failure")
	assert.Equal(t, "block", result["verdict"])
	assert.Contains(t, result["blocker_codes"], "INVALID_ETTN")

	list, err := f.incidents.ListByStatus(context.Background(), "t1", incident.StatusOpen, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "INVALID_ETTN", list[0].PrimaryFlag)
	assert.Equal(t, "VALIDATION", list[0].Category)
	assert.Equal(t, "S2", list[0].Severity)
}

func TestHandleExtractAndValidateChains(t *testing.T) {
	f := newFixture(t, validation.ModeEnforceHard)
	f.storage.blobs["inv-1"] = []byte("raw")
	f.extractor.doc = validDoc()

	job := jobs.Job{ID: "job-4", InvoiceRef: "inv-1", Kind: jobs.KindExtractAndValidate, Payload: map[string]any{}}
	result, err := f.pipeline.Handle(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "pass", result["verdict"])
	assert.Contains(t, f.storage.blobs, "extracted:inv-1")
}

func TestUnknownKindFails(t *testing.T) {
	f := newFixture(t, validation.ModeOff)
	_, err := f.pipeline.Handle(context.Background(), jobs.Job{Kind: "mystery"})
	assert.Error(t, err)
}

func TestTariffEnrichmentFillsUnitPrice(t *testing.T) {
	f := newFixture(t, validation.ModeEnforceHard)

	doc := validDoc()
	doc["tariff_code"] = "MESKEN"
	job := jobs.Job{ID: "job-5", InvoiceRef: "inv-1", Kind: jobs.KindValidate,
		Payload: map[string]any{"invoice": doc}}

	_, err := f.pipeline.Handle(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 1, f.tariffs.calls)
	assert.Equal(t, 2.5, doc["unit_price"])
}

func TestTariffLookupFailureRaisesRetryIncident(t *testing.T) {
	f := newFixture(t, validation.ModeEnforceHard)
	f.tariffs.err = errors.New("ptf service down")

	doc := validDoc()
	doc["tariff_code"] = "MESKEN"
	job := jobs.Job{ID: "job-6", InvoiceRef: "inv-1", Kind: jobs.KindValidate,
		Payload: map[string]any{"invoice": doc, "tenant_id": "t1"}}

	result, err := f.pipeline.Handle(context.Background(), job)
	require.NoError(t, err, "lookup failure must not fail the job")
	assert.Equal(t, "pass", result["verdict"])

	list, err := f.incidents.ListByStatus(context.Background(), "t1", incident.StatusPendingRetry, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "LOOKUP_FAIL", list[0].PrimaryFlag)
	assert.Equal(t, incident.ActionRetryLookup, list[0].ActionType)
}

func TestExistingUnitPriceSkipsLookup(t *testing.T) {
	f := newFixture(t, validation.ModeEnforceHard)

	doc := validDoc()
	doc["tariff_code"] = "MESKEN"
	doc["unit_price"] = 3.1
	job := jobs.Job{ID: "job-7", InvoiceRef: "inv-1", Kind: jobs.KindValidate,
		Payload: map[string]any{"invoice": doc}}

	_, err := f.pipeline.Handle(context.Background(), job)
	require.NoError(t, err)
	assert.Zero(t, f.tariffs.calls)
	assert.Equal(t, 3.1, doc["unit_price"])
}
