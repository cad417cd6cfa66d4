package metrics

import (
	"runtime"
	"sync"
	"time"
)

// Monitor holds the xlwatch pipeline metrics.
type Monitor struct {
	registry *Registry
	start    time.Time

	passMu sync.Mutex
	passes map[string]*Counter

	// Counters
	EventsTotal      *Counter
	SuppressedTotal  *Counter
	BaselinesTotal   *Counter
	SkipsTotal       *Counter
	TombstonesTotal  *Counter
	ErrorsTotal      *Counter
	RawEventsTotal   *Counter
	DedupDropsTotal  *Counter
	PollCyclesTotal  *Counter
	CellChangesTotal *Counter

	// Gauges
	QueueDepth      *Gauge
	ActivePasses    *Gauge
	Paused          *Gauge
	LastEventNumber *Gauge
	HeapBytes       *Gauge
	UptimeSeconds   *Gauge

	// Histograms
	PassDuration  *Histogram
	CellsPerEvent *Histogram
}

// NewMonitor creates and registers the pipeline metrics. A nil registry
// gets a fresh one under the "xlwatch" namespace.
func NewMonitor(registry *Registry) *Monitor {
	if registry == nil {
		registry = NewRegistry("xlwatch", "")
	}

	return &Monitor{
		registry: registry,
		start:    time.Now(),
		passes:   make(map[string]*Counter),

		EventsTotal: registry.RegisterCounter(
			"events_total",
			"Change events delivered to sinks",
			nil,
		),
		SuppressedTotal: registry.RegisterCounter(
			"suppressed_events_total",
			"Change events recorded but withheld by the author whitelist",
			nil,
		),
		BaselinesTotal: registry.RegisterCounter(
			"baselines_created_total",
			"Baselines created by scans and manual targets",
			nil,
		),
		SkipsTotal: registry.RegisterCounter(
			"skips_total",
			"Files skipped after exhausting load attempts",
			nil,
		),
		TombstonesTotal: registry.RegisterCounter(
			"tombstones_total",
			"Baselines marked deleted",
			nil,
		),
		ErrorsTotal: registry.RegisterCounter(
			"errors_total",
			"Passes that failed with an error",
			nil,
		),
		RawEventsTotal: registry.RegisterCounter(
			"raw_events_total",
			"Filesystem notifications received from the watcher",
			nil,
		),
		DedupDropsTotal: registry.RegisterCounter(
			"dedup_drops_total",
			"Polled paths dropped because a push event was recent",
			nil,
		),
		PollCyclesTotal: registry.RegisterCounter(
			"poll_cycles_total",
			"Active polling cycles completed",
			nil,
		),
		CellChangesTotal: registry.RegisterCounter(
			"cell_changes_total",
			"Cell changes across all delivered events",
			nil,
		),

		QueueDepth: registry.RegisterGauge(
			"queue_depth",
			"Paths waiting for a worker",
			nil,
		),
		ActivePasses: registry.RegisterGauge(
			"active_passes",
			"Comparison passes in progress",
			nil,
		),
		Paused: registry.RegisterGauge(
			"paused",
			"1 while processing is paused for memory pressure",
			nil,
		),
		LastEventNumber: registry.RegisterGauge(
			"last_event_number",
			"Highest event number drawn",
			nil,
		),
		HeapBytes: registry.RegisterGauge(
			"heap_bytes",
			"Go heap in use",
			nil,
		),
		UptimeSeconds: registry.RegisterGauge(
			"uptime_seconds",
			"Seconds since the monitor started",
			nil,
		),

		PassDuration: registry.RegisterHistogram(
			"pass_duration_seconds",
			"Time spent in one comparison pass",
			nil,
			DurationBuckets,
		),
		CellsPerEvent: registry.RegisterHistogram(
			"cells_per_event",
			"Cell changes per delivered event",
			nil,
			CountBuckets,
		),
	}
}

// Registry returns the underlying registry.
func (m *Monitor) Registry() *Registry {
	return m.registry
}

// Pass records a finished pass with its outcome label.
func (m *Monitor) Pass(outcome string, d time.Duration) {
	m.passMu.Lock()
	c, ok := m.passes[outcome]
	if !ok {
		c = m.registry.RegisterCounter(
			"passes_total",
			"Comparison passes by outcome",
			Labels{"outcome": outcome},
		)
		m.passes[outcome] = c
	}
	m.passMu.Unlock()

	c.Inc()
	m.PassDuration.ObserveDuration(d)
}

// Event records a delivered change event.
func (m *Monitor) Event(number uint64, cells int) {
	m.EventsTotal.Inc()
	m.CellChangesTotal.Add(uint64(cells))
	m.CellsPerEvent.Observe(float64(cells))
	m.LastEventNumber.Set(int64(number))
}

// UpdateRuntime samples uptime and heap size.
func (m *Monitor) UpdateRuntime() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	m.HeapBytes.Set(int64(mem.HeapAlloc))
	m.UptimeSeconds.Set(int64(time.Since(m.start).Seconds()))
}
