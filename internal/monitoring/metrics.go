// Package monitoring provides the MetricsSink implementations: a
// Prometheus-backed sink for production and an in-memory sink the tests
// and the stress harness snapshot from.
package monitoring

import (
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PromSink exposes counters and gauges through a Prometheus registry.
// Collectors are created lazily on first use; the label key set of a metric
// is fixed by its first observation.
type PromSink struct {
	mu       sync.Mutex
	registry *prometheus.Registry
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
}

func NewPromSink(registry *prometheus.Registry) *PromSink {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return &PromSink{
		registry: registry,
		counters: make(map[string]*prometheus.CounterVec),
		gauges:   make(map[string]*prometheus.GaugeVec),
	}
}

// Registry exposes the underlying registry for the /metrics handler.
func (s *PromSink) Registry() *prometheus.Registry {
	return s.registry
}

func (s *PromSink) Inc(name string, labels map[string]string) {
	s.mu.Lock()
	vec, ok := s.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: name, Help: name},
			labelKeys(labels),
		)
		s.registry.MustRegister(vec)
		s.counters[name] = vec
	}
	s.mu.Unlock()

	vec.With(prometheus.Labels(nonNil(labels))).Inc()
}

func (s *PromSink) Set(name string, labels map[string]string, value float64) {
	s.mu.Lock()
	vec, ok := s.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: name, Help: name},
			labelKeys(labels),
		)
		s.registry.MustRegister(vec)
		s.gauges[name] = vec
	}
	s.mu.Unlock()

	vec.With(prometheus.Labels(nonNil(labels))).Set(value)
}

func labelKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func nonNil(labels map[string]string) map[string]string {
	if labels == nil {
		return map[string]string{}
	}
	return labels
}

// MemorySink accumulates counters and gauges in process memory. The stress
// harness snapshots it before and after a scenario to compute deltas; tests
// assert on it directly.
type MemorySink struct {
	mu       sync.Mutex
	counters map[string]map[string]float64 // name -> label tuple -> value
	gauges   map[string]map[string]float64
}

func NewMemorySink() *MemorySink {
	return &MemorySink{
		counters: make(map[string]map[string]float64),
		gauges:   make(map[string]map[string]float64),
	}
}

func (s *MemorySink) Inc(name string, labels map[string]string) {
	key := LabelTuple(labels)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counters[name] == nil {
		s.counters[name] = make(map[string]float64)
	}
	s.counters[name][key]++
}

func (s *MemorySink) Set(name string, labels map[string]string, value float64) {
	key := LabelTuple(labels)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gauges[name] == nil {
		s.gauges[name] = make(map[string]float64)
	}
	s.gauges[name][key] = value
}

// Counter returns the current value for (name, labels).
func (s *MemorySink) Counter(name string, labels map[string]string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[name][LabelTuple(labels)]
}

// Snapshot copies the named counters (all label tuples). Names absent from
// the sink appear as empty maps so delta computation is total.
func (s *MemorySink) Snapshot(names []string) map[string]map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]map[string]float64, len(names))
	for _, name := range names {
		series := make(map[string]float64, len(s.counters[name]))
		for tuple, v := range s.counters[name] {
			series[tuple] = v
		}
		out[name] = series
	}
	return out
}

// Reset drops all accumulated series. Test isolation only.
func (s *MemorySink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters = make(map[string]map[string]float64)
	s.gauges = make(map[string]map[string]float64)
}

// LabelTuple serializes labels deterministically (sorted k=v joined with
// commas) so a label set is a stable map key.
func LabelTuple(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := labelKeys(labels)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+labels[k])
	}
	return strings.Join(parts, ",")
}
