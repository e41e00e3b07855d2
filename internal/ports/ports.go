// Package ports defines the seams between the pipeline core and its
// external collaborators: time, randomness, blob storage, the vision
// extractor, tariff lookups, metrics and issue sinks.
//
// The core only ever talks to these interfaces. Production adapters live in
// internal/storage, internal/monitoring and the deployment wiring; tests
// swap in the deterministic implementations below.
package ports

import (
	"context"
	"time"
)

// Clock abstracts wall-clock and monotonic time so schedulers, dedup
// buckets and backoff timers can be replayed in tests.
type Clock interface {
	// Now returns the current time in UTC.
	Now() time.Time

	// MonotonicNowMs returns milliseconds from an arbitrary fixed origin.
	MonotonicNowMs() int64
}

// Rng is a deterministic random source. Implementations must yield an
// identical sequence for an identical seed across processes.
type Rng interface {
	// Random returns a float in [0, 1).
	Random() float64

	// RandInt returns an int in [a, b] inclusive.
	RandInt(a, b int) int
}

// StoragePort reads and writes opaque blobs (invoice PDFs, rendered pages,
// extraction results). Backends are interchangeable: local FS, Redis,
// object store.
type StoragePort interface {
	GetBytes(ctx context.Context, ref string) ([]byte, error)
	PutBytes(ctx context.Context, ref string, data []byte) error
}

// ExtractorPort turns raw invoice bytes into a canonical document map.
// Whether it hits a vision LLM, a regex parser, or a cascade of both is the
// adapter's business.
type ExtractorPort interface {
	Extract(ctx context.Context, image []byte, mime string, hints map[string]any) (map[string]any, error)
}

// TariffLookupPort resolves a unit price for a tariff code and period.
// Pure read; errors are transient lookup failures.
type TariffLookupPort interface {
	LookupUnitPrice(ctx context.Context, tariffCode, period string) (float64, error)
}

// MetricsSink receives counters and gauges. Label sets are bounded by the
// callers; the sink never invents dimensions.
type MetricsSink interface {
	Inc(name string, labels map[string]string)
	Set(name string, labels map[string]string, value float64)
}

// IssueSink accepts a PII-safe issue payload verbatim (e.g. forwards it to
// an external tracker). Optional: a nil sink means incidents are stored
// but never exported.
type IssueSink interface {
	Submit(ctx context.Context, payload map[string]any) error
}
