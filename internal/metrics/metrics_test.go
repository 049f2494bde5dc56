package metrics

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterReturnsExisting(t *testing.T) {
	r := NewRegistry("ks")

	a := r.RegisterCounter("hits_total", "hits", Labels{"tier": "global"})
	b := r.RegisterCounter("hits_total", "hits", Labels{"tier": "global"})
	c := r.RegisterCounter("hits_total", "hits", Labels{"tier": "simple"})
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)

	a.Inc()
	a.Add(2)
	assert.Equal(t, uint64(3), r.GetCounter("hits_total", Labels{"tier": "global"}).Value())
	assert.Nil(t, r.GetCounter("misses_total", nil))
}

func TestGauge(t *testing.T) {
	r := NewRegistry("")
	g := r.RegisterGauge("depth", "depth", nil)
	g.Set(5)
	g.Inc()
	g.Dec()
	g.Dec()
	assert.Equal(t, int64(4), g.Value())
	assert.Same(t, g, r.GetGauge("depth", nil))
}

func TestHistogram(t *testing.T) {
	h := NewHistogram("lat", "latency", nil, []float64{1, 0.1})
	assert.Equal(t, 0.0, h.Mean())

	h.Observe(0.05)
	h.Observe(0.5)
	h.ObserveDuration(2 * time.Second)
	assert.Equal(t, uint64(3), h.Count())
	assert.InDelta(t, 0.85, h.Mean(), 1e-9)
	assert.Equal(t, []uint64{1, 1, 1}, h.counts)
}

func TestWritePrometheus(t *testing.T) {
	r := NewRegistry("ks")
	r.RegisterCounter("events_total", "events", Labels{"tier": "global"}).Inc()
	r.RegisterCounter("events_total", "events", Labels{"tier": "simple"})
	r.RegisterHistogram("dur_seconds", "duration", nil, []float64{0.1}).Observe(0.05)

	var buf bytes.Buffer
	require.NoError(t, r.WritePrometheus(&buf))
	out := buf.String()

	assert.Equal(t, 1, strings.Count(out, "# TYPE ks_events_total counter"))
	assert.Contains(t, out, `ks_events_total{tier="global"} 1`)
	assert.Contains(t, out, `ks_events_total{tier="simple"} 0`)
	assert.Contains(t, out, `ks_dur_seconds_bucket{le="0.1"} 1`)
	assert.Contains(t, out, `ks_dur_seconds_bucket{le="+Inf"} 1`)
	assert.Contains(t, out, "ks_dur_seconds_count 1")
}

func TestSnapshotAndReset(t *testing.T) {
	r := NewRegistry("ks")
	m := NewDispatchMetrics(r)

	m.EventsReceived.Inc()
	m.RecordDispatch("simple", time.Millisecond)
	m.RecordDispatch("bogus", time.Millisecond)
	assert.Equal(t, uint64(1), m.Dispatched("simple"))
	assert.Equal(t, uint64(0), m.Dispatched("bogus"))

	snap := r.Snapshot()
	assert.Equal(t, uint64(1), snap["ks_events_received_total"])
	assert.Equal(t, uint64(1), snap[`ks_events_dispatched_total{tier="simple"}`])
	assert.Equal(t, uint64(2), snap["ks_handler_duration_seconds_count"])

	var buf bytes.Buffer
	require.NoError(t, r.WriteJSON(&buf))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Contains(t, decoded, "ks_queue_depth")

	r.Reset()
	assert.Equal(t, uint64(0), m.EventsReceived.Value())
	assert.Equal(t, uint64(0), m.HandlerDuration.Count())
}

func TestNilDispatchMetrics(t *testing.T) {
	var m *DispatchMetrics
	assert.NotPanics(t, func() {
		m.RecordDispatch("simple", time.Millisecond)
		m.UpdateUptime()
	})
	assert.Equal(t, uint64(0), m.Dispatched("simple"))
}
