package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/faturaops/backend/internal/ports"
)

// httpExtractor calls the external extraction service. The raw invoice
// rides base64-encoded in the JSON body.
type httpExtractor struct {
	url    string
	client *http.Client
}

// newHTTPExtractor returns an extractor adapter. With no URL configured it
// falls back to treating blobs as pre-extracted canonical JSON, which is
// what local development and the end-to-end tests feed it.
func newHTTPExtractor(url string) ports.ExtractorPort {
	if url == "" {
		return jsonExtractor{}
	}
	return &httpExtractor{
		url:    url,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (e *httpExtractor) Extract(ctx context.Context, image []byte, mime string, hints map[string]any) (map[string]any, error) {
	body, err := json.Marshal(map[string]any{
		"mime":      mime,
		"image_b64": base64.StdEncoding.EncodeToString(image),
		"hints":     hints,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal extract request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("extractor call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("extractor returned %d", resp.StatusCode)
	}

	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode extractor response: %w", err)
	}
	return doc, nil
}

// jsonExtractor interprets the blob itself as the canonical document.
type jsonExtractor struct{}

func (jsonExtractor) Extract(ctx context.Context, image []byte, mime string, hints map[string]any) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(image, &doc); err != nil {
		return nil, fmt.Errorf("blob is not a canonical document: %w", err)
	}
	return doc, nil
}

// httpTariffLookup resolves unit prices from the tariff service.
type httpTariffLookup struct {
	url    string
	client *http.Client
}

// newHTTPTariffLookup returns nil when no tariff service is configured;
// the pipeline then skips price enrichment.
func newHTTPTariffLookup(url string) ports.TariffLookupPort {
	if url == "" {
		return nil
	}
	return &httpTariffLookup{url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

func (t *httpTariffLookup) LookupUnitPrice(ctx context.Context, tariffCode, period string) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return 0, err
	}
	q := req.URL.Query()
	q.Set("tariff_code", tariffCode)
	q.Set("period", period)
	req.URL.RawQuery = q.Encode()

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("tariff lookup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("tariff service returned %d", resp.StatusCode)
	}

	var out struct {
		UnitPrice float64 `json:"unit_price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode tariff response: %w", err)
	}
	return out.UnitPrice, nil
}

// httpIssueSink forwards PII-safe issue payloads to an external tracker.
type httpIssueSink struct {
	url    string
	client *http.Client
}

// newHTTPIssueSink returns nil when no tracker is configured; the pipeline
// then stores incidents without exporting them.
func newHTTPIssueSink(url string) ports.IssueSink {
	if url == "" {
		return nil
	}
	return &httpIssueSink{url: url, client: &http.Client{Timeout: 15 * time.Second}}
}

func (s *httpIssueSink) Submit(ctx context.Context, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal issue payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("issue sink call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("issue sink returned %d", resp.StatusCode)
	}
	return nil
}
