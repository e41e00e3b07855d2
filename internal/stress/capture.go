package stress

import (
	"sort"

	"github.com/faturaops/backend/internal/monitoring"
)

// watchedMetrics is the closed set of counters a scenario run observes.
// Capture is total over these names: a series absent from a snapshot counts
// as zero, so deltas never miss a tuple.
var watchedMetrics = []string{
	"dependency_call_total",
	"dependency_retry_total",
	"guard_denied_total",
	"killswitch_fallback_open_total",
	"jobs_processed_total",
}

// MetricDelta is the per-series change over one scenario run.
type MetricDelta struct {
	Name   string  `json:"name"`
	Labels string  `json:"labels"`
	Delta  float64 `json:"delta"`
}

// FailDiagnostic describes a metric invariant violation in enough detail
// to reproduce the run.
type FailDiagnostic struct {
	ScenarioID string  `json:"scenario_id"`
	Metric     string  `json:"metric"`
	Labels     string  `json:"labels"`
	Observed   float64 `json:"observed"`
	Expected   string  `json:"expected"`
	Seed       int64   `json:"seed"`
}

// Capture snapshots the watched counters around a scenario run.
type Capture struct {
	sink   *monitoring.MemorySink
	before map[string]map[string]float64
}

func NewCapture(sink *monitoring.MemorySink) *Capture {
	return &Capture{sink: sink}
}

// Begin records the pre-run snapshot.
func (c *Capture) Begin() {
	c.before = c.sink.Snapshot(watchedMetrics)
}

// End computes the per-series deltas since Begin, in deterministic order.
// Counters are monotonic, so any negative delta is an invariant violation
// and yields a diagnostic.
func (c *Capture) End(scenarioID string, seed int64) ([]MetricDelta, []FailDiagnostic) {
	after := c.sink.Snapshot(watchedMetrics)

	var deltas []MetricDelta
	var diags []FailDiagnostic
	for _, name := range watchedMetrics {
		tuples := make([]string, 0, len(after[name]))
		for tuple := range after[name] {
			tuples = append(tuples, tuple)
		}
		sort.Strings(tuples)
		for _, tuple := range tuples {
			d := after[name][tuple] - c.before[name][tuple]
			if d == 0 {
				continue
			}
			deltas = append(deltas, MetricDelta{Name: name, Labels: tuple, Delta: d})
			if d < 0 {
				diags = append(diags, FailDiagnostic{
					ScenarioID: scenarioID,
					Metric:     name,
					Labels:     tuple,
					Observed:   d,
					Expected:   "non-negative counter delta",
					Seed:       seed,
				})
			}
		}
	}
	return deltas, diags
}

// DeltaSum totals a metric's deltas across all label tuples.
func DeltaSum(deltas []MetricDelta, name string) float64 {
	var total float64
	for _, d := range deltas {
		if d.Name == name {
			total += d.Delta
		}
	}
	return total
}

// DeltaSumWhere totals a metric's deltas over tuples containing the given
// label substring (tuples are sorted k=v lists, so "outcome=ok" matches
// exactly one label).
func DeltaSumWhere(deltas []MetricDelta, name, labelSubstr string) float64 {
	var total float64
	for _, d := range deltas {
		if d.Name == name && containsLabel(d.Labels, labelSubstr) {
			total += d.Delta
		}
	}
	return total
}

func containsLabel(tuple, want string) bool {
	if want == "" {
		return true
	}
	// Tuples are comma-joined k=v pairs.
	start := 0
	for i := 0; i <= len(tuple); i++ {
		if i == len(tuple) || tuple[i] == ',' {
			if tuple[start:i] == want {
				return true
			}
			start = i + 1
		}
	}
	return false
}
