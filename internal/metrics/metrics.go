// Package metrics provides Prometheus-compatible metrics for keyshell.
//
// Features:
//   - Counters for received, dispatched and dropped key events
//   - Gauges for queue depth and attached drivers
//   - Histograms for handler latency
//   - Prometheus text and JSON output for the control socket
//   - Thread-safe operations
package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MetricType represents the type of metric.
type MetricType int

const (
	// TypeCounter is a monotonically increasing counter.
	TypeCounter MetricType = iota
	// TypeGauge is a value that can go up and down.
	TypeGauge
	// TypeHistogram is a distribution of values.
	TypeHistogram
)

// String returns the string representation of the metric type.
func (t MetricType) String() string {
	switch t {
	case TypeCounter:
		return "counter"
	case TypeGauge:
		return "gauge"
	case TypeHistogram:
		return "histogram"
	default:
		return "unknown"
	}
}

// Labels represents metric labels.
type Labels map[string]string

// String returns a string representation of labels.
func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}

	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(l))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf(`%s="%s"`, k, l[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels Labels
	value  atomic.Uint64
}

// NewCounter creates a new Counter.
func NewCounter(name, help string, labels Labels) *Counter {
	return &Counter{
		name:   name,
		help:   help,
		labels: labels,
	}
}

// Inc increments the counter by 1.
func (c *Counter) Inc() {
	c.value.Add(1)
}

// Add adds the given value to the counter.
func (c *Counter) Add(v uint64) {
	c.value.Add(v)
}

// Value returns the current value.
func (c *Counter) Value() uint64 {
	return c.value.Load()
}

// Gauge is a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels Labels
	value  atomic.Int64
}

// NewGauge creates a new Gauge.
func NewGauge(name, help string, labels Labels) *Gauge {
	return &Gauge{
		name:   name,
		help:   help,
		labels: labels,
	}
}

// Set sets the gauge to the given value.
func (g *Gauge) Set(v int64) {
	g.value.Store(v)
}

// Inc increments the gauge by 1.
func (g *Gauge) Inc() {
	g.value.Add(1)
}

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() {
	g.value.Add(-1)
}

// Value returns the current value.
func (g *Gauge) Value() int64 {
	return g.value.Load()
}

// Histogram tracks the distribution of values.
type Histogram struct {
	name    string
	help    string
	labels  Labels
	buckets []float64

	mu     sync.Mutex
	counts []uint64
	sum    float64
	count  uint64
}

// LatencyBuckets are buckets for handler latency histograms (in seconds).
// Handlers run on the dispatch goroutine, so anything past a few hundred
// milliseconds is felt as keypad lag.
var LatencyBuckets = []float64{
	0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5,
}

// NewHistogram creates a new Histogram.
func NewHistogram(name, help string, labels Labels, buckets []float64) *Histogram {
	if buckets == nil {
		buckets = LatencyBuckets
	}

	sortedBuckets := make([]float64, len(buckets))
	copy(sortedBuckets, buckets)
	sort.Float64s(sortedBuckets)

	return &Histogram{
		name:    name,
		help:    help,
		labels:  labels,
		buckets: sortedBuckets,
		counts:  make([]uint64, len(sortedBuckets)+1), // +1 for +Inf
	}
}

// Observe records a value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += v
	h.count++

	idx := sort.SearchFloat64s(h.buckets, v)
	h.counts[idx]++
}

// ObserveDuration records a duration in seconds.
func (h *Histogram) ObserveDuration(d time.Duration) {
	h.Observe(d.Seconds())
}

// Count returns the count of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Mean returns the mean of observed values.
func (h *Histogram) Mean() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 {
		return 0
	}
	return h.sum / float64(h.count)
}

// Registry holds all registered metrics. A metric is identified by its
// full name together with its labels.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram

	namespace string
}

// NewRegistry creates a new Registry.
func NewRegistry(namespace string) *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
		namespace:  namespace,
	}
}

func (r *Registry) fullName(name string) string {
	if r.namespace == "" {
		return name
	}
	return r.namespace + "_" + name
}

func (r *Registry) id(name string, labels Labels) string {
	return r.fullName(name) + labels.String()
}

// RegisterCounter registers a new counter, or returns the existing one with
// the same name and labels.
func (r *Registry) RegisterCounter(name, help string, labels Labels) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.id(name, labels)
	if c, ok := r.counters[id]; ok {
		return c
	}

	c := NewCounter(r.fullName(name), help, labels)
	r.counters[id] = c
	return c
}

// RegisterGauge registers a new gauge.
func (r *Registry) RegisterGauge(name, help string, labels Labels) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.id(name, labels)
	if g, ok := r.gauges[id]; ok {
		return g
	}

	g := NewGauge(r.fullName(name), help, labels)
	r.gauges[id] = g
	return g
}

// RegisterHistogram registers a new histogram.
func (r *Registry) RegisterHistogram(name, help string, labels Labels, buckets []float64) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.id(name, labels)
	if h, ok := r.histograms[id]; ok {
		return h
	}

	h := NewHistogram(r.fullName(name), help, labels, buckets)
	r.histograms[id] = h
	return h
}

// GetCounter returns a counter by name and labels.
func (r *Registry) GetCounter(name string, labels Labels) *Counter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters[r.id(name, labels)]
}

// GetGauge returns a gauge by name and labels.
func (r *Registry) GetGauge(name string, labels Labels) *Gauge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gauges[r.id(name, labels)]
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WritePrometheus writes metrics in Prometheus text format.
func (r *Registry) WritePrometheus(w io.Writer) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	header := func(name, help, typ string) {
		if seen[name] {
			return
		}
		seen[name] = true
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s %s\n", name, typ)
	}

	for _, id := range sortedKeys(r.counters) {
		c := r.counters[id]
		header(c.name, c.help, "counter")
		fmt.Fprintf(w, "%s%s %d\n", c.name, c.labels.String(), c.Value())
	}

	for _, id := range sortedKeys(r.gauges) {
		g := r.gauges[id]
		header(g.name, g.help, "gauge")
		fmt.Fprintf(w, "%s%s %d\n", g.name, g.labels.String(), g.Value())
	}

	for _, id := range sortedKeys(r.histograms) {
		h := r.histograms[id]
		h.mu.Lock()
		header(h.name, h.help, "histogram")

		labelStr := h.labels.String()
		if labelStr == "" {
			labelStr = "{"
		} else {
			labelStr = labelStr[:len(labelStr)-1] + ","
		}

		cumulative := uint64(0)
		for i, bucket := range h.buckets {
			cumulative += h.counts[i]
			fmt.Fprintf(w, "%s_bucket%sle=\"%g\"} %d\n", h.name, labelStr, bucket, cumulative)
		}
		cumulative += h.counts[len(h.buckets)]
		fmt.Fprintf(w, "%s_bucket%sle=\"+Inf\"} %d\n", h.name, labelStr, cumulative)
		fmt.Fprintf(w, "%s_sum%s %f\n", h.name, h.labels.String(), h.sum)
		fmt.Fprintf(w, "%s_count%s %d\n", h.name, h.labels.String(), h.count)
		h.mu.Unlock()
	}

	return nil
}

// Snapshot returns a flat snapshot of all metrics keyed by name and labels.
func (r *Registry) Snapshot() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make(map[string]any)

	for id, c := range r.counters {
		snapshot[id] = c.Value()
	}
	for id, g := range r.gauges {
		snapshot[id] = g.Value()
	}
	for id, h := range r.histograms {
		snapshot[id+"_count"] = h.Count()
		snapshot[id+"_mean"] = h.Mean()
	}

	return snapshot
}

// WriteJSON writes the snapshot as indented JSON.
func (r *Registry) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r.Snapshot())
}

// Reset resets all metrics.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.counters {
		c.value.Store(0)
	}
	for _, g := range r.gauges {
		g.value.Store(0)
	}
	for _, h := range r.histograms {
		h.mu.Lock()
		h.sum = 0
		h.count = 0
		for i := range h.counts {
			h.counts[i] = 0
		}
		h.mu.Unlock()
	}
}

// Global default registry.
var defaultRegistry = NewRegistry("keyshell")

// Default returns the default global registry.
func Default() *Registry {
	return defaultRegistry
}
