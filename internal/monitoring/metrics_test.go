package monitoring

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySinkCountersByLabelTuple(t *testing.T) {
	s := NewMemorySink()
	s.Inc("calls", map[string]string{"dep": "db", "outcome": "ok"})
	s.Inc("calls", map[string]string{"outcome": "ok", "dep": "db"}) // same tuple, any order
	s.Inc("calls", map[string]string{"dep": "db", "outcome": "error"})

	assert.Equal(t, 2.0, s.Counter("calls", map[string]string{"dep": "db", "outcome": "ok"}))
	assert.Equal(t, 1.0, s.Counter("calls", map[string]string{"dep": "db", "outcome": "error"}))
	assert.Equal(t, 0.0, s.Counter("calls", map[string]string{"dep": "redis", "outcome": "ok"}))
}

func TestMemorySinkSnapshotIsTotal(t *testing.T) {
	s := NewMemorySink()
	s.Inc("present", nil)

	snap := s.Snapshot([]string{"present", "absent"})
	require.Contains(t, snap, "absent")
	assert.Empty(t, snap["absent"])
	assert.Equal(t, 1.0, snap["present"][""])

	// The snapshot is a copy: later increments do not mutate it.
	s.Inc("present", nil)
	assert.Equal(t, 1.0, snap["present"][""])
}

func TestMemorySinkGaugeSet(t *testing.T) {
	s := NewMemorySink()
	s.Set("queue_depth", map[string]string{"kind": "extract"}, 7)
	s.Set("queue_depth", map[string]string{"kind": "extract"}, 3)

	s.Reset()
	assert.Equal(t, 0.0, s.Counter("queue_depth", map[string]string{"kind": "extract"}))
}

func TestLabelTupleSortedAndStable(t *testing.T) {
	a := LabelTuple(map[string]string{"b": "2", "a": "1"})
	b := LabelTuple(map[string]string{"a": "1", "b": "2"})
	assert.Equal(t, "a=1,b=2", a)
	assert.Equal(t, a, b)
	assert.Equal(t, "", LabelTuple(nil))
}

func TestPromSinkRegistersLazily(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewPromSink(reg)

	s.Inc("dependency_call_total", map[string]string{"dependency": "db", "outcome": "ok"})
	s.Inc("dependency_call_total", map[string]string{"dependency": "db", "outcome": "ok"})
	s.Set("breaker_state", map[string]string{"dependency": "db"}, 2)

	families, err := reg.Gather()
	require.NoError(t, err)

	found := map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
		if f.GetName() == "dependency_call_total" {
			require.Len(t, f.GetMetric(), 1)
			assert.Equal(t, 2.0, f.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found["dependency_call_total"])
	assert.True(t, found["breaker_state"])
}

func TestPromSinkNilLabels(t *testing.T) {
	s := NewPromSink(nil)
	assert.NotPanics(t, func() { s.Inc("plain_total", nil) })
	assert.NotNil(t, s.Registry())
}
