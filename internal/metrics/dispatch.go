package metrics

import (
	"time"
)

// Dispatch tiers, used as the "tier" label.
var tiers = []string{"global", "nonmaskable", "simple", "maskable", "streaming"}

// DispatchMetrics holds the metrics of the input dispatch engine.
type DispatchMetrics struct {
	registry *Registry

	EventsReceived  *Counter
	EventsDropped   *Counter
	EventsSwallowed *Counter
	EventsSkipped   *Counter
	MalformedEvents *Counter
	HandlerFaults   *Counter

	dispatched map[string]*Counter

	QueueDepth      *Gauge
	DriversAttached *Gauge
	UptimeSeconds   *Gauge

	HandlerDuration *Histogram

	started time.Time
}

// NewDispatchMetrics creates and registers the dispatch metrics.
func NewDispatchMetrics(registry *Registry) *DispatchMetrics {
	if registry == nil {
		registry = Default()
	}

	m := &DispatchMetrics{
		registry: registry,
		EventsReceived: registry.RegisterCounter(
			"events_received_total",
			"Key events received from drivers",
			nil,
		),
		EventsDropped: registry.RegisterCounter(
			"events_dropped_total",
			"Key events with no handler",
			nil,
		),
		EventsSwallowed: registry.RegisterCounter(
			"events_swallowed_total",
			"Key events consumed to wake the backlight",
			nil,
		),
		EventsSkipped: registry.RegisterCounter(
			"events_state_skipped_total",
			"Held or released events not delivered to press-only callbacks",
			nil,
		),
		MalformedEvents: registry.RegisterCounter(
			"events_malformed_total",
			"Events rejected before dispatch",
			nil,
		),
		HandlerFaults: registry.RegisterCounter(
			"handler_faults_total",
			"Callbacks that panicked or returned an error",
			nil,
		),
		QueueDepth: registry.RegisterGauge(
			"queue_depth",
			"Key events waiting for dispatch",
			nil,
		),
		DriversAttached: registry.RegisterGauge(
			"drivers_attached",
			"Input drivers currently attached",
			nil,
		),
		UptimeSeconds: registry.RegisterGauge(
			"uptime_seconds",
			"Seconds since the dispatcher was created",
			nil,
		),
		HandlerDuration: registry.RegisterHistogram(
			"handler_duration_seconds",
			"Time spent inside key callbacks",
			nil,
			LatencyBuckets,
		),
		dispatched: make(map[string]*Counter, len(tiers)),
		started:    time.Now(),
	}

	for _, tier := range tiers {
		m.dispatched[tier] = registry.RegisterCounter(
			"events_dispatched_total",
			"Key events delivered to a callback",
			Labels{"tier": tier},
		)
	}

	return m
}

// RecordDispatch records a callback invocation for the given tier.
func (m *DispatchMetrics) RecordDispatch(tier string, d time.Duration) {
	if m == nil {
		return
	}
	if c, ok := m.dispatched[tier]; ok {
		c.Inc()
	}
	m.HandlerDuration.ObserveDuration(d)
}

// Dispatched returns the number of events delivered through a tier.
func (m *DispatchMetrics) Dispatched(tier string) uint64 {
	if m == nil {
		return 0
	}
	if c, ok := m.dispatched[tier]; ok {
		return c.Value()
	}
	return 0
}

// UpdateUptime refreshes the uptime gauge.
func (m *DispatchMetrics) UpdateUptime() {
	if m == nil {
		return
	}
	m.UptimeSeconds.Set(int64(time.Since(m.started).Seconds()))
}

// Registry returns the registry the metrics are registered in.
func (m *DispatchMetrics) Registry() *Registry {
	return m.registry
}
