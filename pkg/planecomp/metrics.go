package planecomp

import (
	"expvar"
	"sync/atomic"
	"time"

	"github.com/opd-ai/planecomp/internal/drm"
	"github.com/opd-ai/planecomp/internal/kms"
)

// Metrics collects compositor counters. It implements kms.Observer, so
// the display and its flip workers report into it directly, and it is
// exposed through expvar at /debug/vars once RegisterExpvar is called.
//
// Thread-safe for concurrent use.
type Metrics struct {
	// Lifecycle
	starts        atomic.Int64
	stops         atomic.Int64
	restarts      atomic.Int64
	configReloads atomic.Int64
	errorsTotal   atomic.Int64
	eventsEmitted atomic.Int64

	// Planes
	flips          atomic.Int64
	asyncFlips     atomic.Int64
	flipErrors     atomic.Int64
	droppedFlips   atomic.Int64
	backpressure   atomic.Int64
	allocations    [3]atomic.Int64 // by drm.PlaneType
	allocFailures  atomic.Int64
	resizes        atomic.Int64
	resizeFailures atomic.Int64
	commits        atomic.Int64
	commitErrors   atomic.Int64

	// Latency tracking (stored as nanoseconds)
	flipLatencyNs   atomic.Int64
	flipLatencyN    atomic.Int64
	frameLatencyNs  atomic.Int64
	frameLatencyN   atomic.Int64
	frames          atomic.Int64
	currentlyActive atomic.Int32
	windows         atomic.Int32
	softwareWindows atomic.Int32

	registered atomic.Bool
}

var _ kms.Observer = (*Metrics)(nil)

// NewMetrics creates a new Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RegisterExpvar publishes the metrics under the planecomp_ prefix.
// Safe to call multiple times; subsequent calls are no-ops. Only one
// Metrics instance per process can be registered.
func (m *Metrics) RegisterExpvar() {
	if m.registered.Swap(true) {
		return
	}
	counters := map[string]*atomic.Int64{
		"planecomp_starts_total":          &m.starts,
		"planecomp_stops_total":           &m.stops,
		"planecomp_restarts_total":        &m.restarts,
		"planecomp_config_reloads_total":  &m.configReloads,
		"planecomp_errors_total":          &m.errorsTotal,
		"planecomp_events_emitted_total":  &m.eventsEmitted,
		"planecomp_flips_total":           &m.flips,
		"planecomp_async_flips_total":     &m.asyncFlips,
		"planecomp_flip_errors_total":     &m.flipErrors,
		"planecomp_dropped_flips_total":   &m.droppedFlips,
		"planecomp_flip_backpressure":     &m.backpressure,
		"planecomp_alloc_failures_total":  &m.allocFailures,
		"planecomp_resizes_total":         &m.resizes,
		"planecomp_resize_failures_total": &m.resizeFailures,
		"planecomp_commits_total":         &m.commits,
		"planecomp_commit_errors_total":   &m.commitErrors,
		"planecomp_frames_total":          &m.frames,
	}
	for name, c := range counters {
		expvar.Publish(name, expvar.Func(func() any { return c.Load() }))
	}
	expvar.Publish("planecomp_plane_allocations", expvar.Func(func() any {
		out := make(map[string]int64, len(m.allocations))
		for t := range m.allocations {
			out[drm.PlaneType(t).String()] = m.allocations[t].Load()
		}
		return out
	}))
	expvar.Publish("planecomp_running", expvar.Func(func() any { return m.currentlyActive.Load() }))
	expvar.Publish("planecomp_windows", expvar.Func(func() any { return m.windows.Load() }))
	expvar.Publish("planecomp_software_windows", expvar.Func(func() any { return m.softwareWindows.Load() }))
	expvar.Publish("planecomp_flip_latency_avg_ms", expvar.Func(func() any {
		return float64(safeDivide(m.flipLatencyNs.Load(), m.flipLatencyN.Load())) / 1e6
	}))
	expvar.Publish("planecomp_frame_latency_avg_ms", expvar.Func(func() any {
		return float64(safeDivide(m.frameLatencyNs.Load(), m.frameLatencyN.Load())) / 1e6
	}))
}

// MetricsSnapshot is a point-in-time copy of all metrics.
type MetricsSnapshot struct {
	Starts        int64
	Stops         int64
	Restarts      int64
	ConfigReloads int64
	ErrorsTotal   int64
	EventsEmitted int64

	Flips              int64
	AsyncFlips         int64
	FlipErrors         int64
	DroppedFlips       int64
	Backpressure       int64
	PlaneAllocations   map[string]int64
	AllocationFailures int64
	Resizes            int64
	ResizeFailures     int64
	Commits            int64
	CommitErrors       int64
	Frames             int64

	Running         bool
	Windows         int
	SoftwareWindows int

	FlipLatencyAvg  time.Duration
	FrameLatencyAvg time.Duration
}

// Snapshot returns a point-in-time copy of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	allocs := make(map[string]int64, len(m.allocations))
	for t := range m.allocations {
		allocs[drm.PlaneType(t).String()] = m.allocations[t].Load()
	}
	return MetricsSnapshot{
		Starts:        m.starts.Load(),
		Stops:         m.stops.Load(),
		Restarts:      m.restarts.Load(),
		ConfigReloads: m.configReloads.Load(),
		ErrorsTotal:   m.errorsTotal.Load(),
		EventsEmitted: m.eventsEmitted.Load(),

		Flips:              m.flips.Load(),
		AsyncFlips:         m.asyncFlips.Load(),
		FlipErrors:         m.flipErrors.Load(),
		DroppedFlips:       m.droppedFlips.Load(),
		Backpressure:       m.backpressure.Load(),
		PlaneAllocations:   allocs,
		AllocationFailures: m.allocFailures.Load(),
		Resizes:            m.resizes.Load(),
		ResizeFailures:     m.resizeFailures.Load(),
		Commits:            m.commits.Load(),
		CommitErrors:       m.commitErrors.Load(),
		Frames:             m.frames.Load(),

		Running:         m.currentlyActive.Load() > 0,
		Windows:         int(m.windows.Load()),
		SoftwareWindows: int(m.softwareWindows.Load()),

		FlipLatencyAvg:  safeDivide(m.flipLatencyNs.Load(), m.flipLatencyN.Load()),
		FrameLatencyAvg: safeDivide(m.frameLatencyNs.Load(), m.frameLatencyN.Load()),
	}
}

// FlipCompleted implements kms.Observer.
func (m *Metrics) FlipCompleted(plane int, async bool, latency time.Duration, err error) {
	if err != nil {
		m.flipErrors.Add(1)
		return
	}
	m.flips.Add(1)
	if async {
		m.asyncFlips.Add(1)
		return
	}
	m.flipLatencyNs.Add(latency.Nanoseconds())
	m.flipLatencyN.Add(1)
}

// FlipsDropped implements kms.Observer.
func (m *Metrics) FlipsDropped(plane int, n int) { m.droppedFlips.Add(int64(n)) }

// FlipBackpressure implements kms.Observer.
func (m *Metrics) FlipBackpressure(plane int) { m.backpressure.Add(1) }

// PlaneAllocated implements kms.Observer.
func (m *Metrics) PlaneAllocated(plane int, typ drm.PlaneType) {
	if typ >= 0 && int(typ) < len(m.allocations) {
		m.allocations[typ].Add(1)
	}
}

// AllocationFailed implements kms.Observer.
func (m *Metrics) AllocationFailed(hint kms.Hint, err error) { m.allocFailures.Add(1) }

// Resized implements kms.Observer.
func (m *Metrics) Resized(plane int, err error) {
	if err != nil {
		m.resizeFailures.Add(1)
		return
	}
	m.resizes.Add(1)
}

// Committed implements kms.Observer.
func (m *Metrics) Committed(plane int, err error) {
	if err != nil {
		m.commitErrors.Add(1)
		return
	}
	m.commits.Add(1)
}

// IncrementStarts records a start operation.
func (m *Metrics) IncrementStarts() { m.starts.Add(1) }

// IncrementStops records a stop operation.
func (m *Metrics) IncrementStops() { m.stops.Add(1) }

// IncrementRestarts records a restart operation.
func (m *Metrics) IncrementRestarts() { m.restarts.Add(1) }

// IncrementConfigReloads records a configuration reload.
func (m *Metrics) IncrementConfigReloads() { m.configReloads.Add(1) }

// IncrementErrors records an error occurrence.
func (m *Metrics) IncrementErrors() { m.errorsTotal.Add(1) }

// IncrementEventsEmitted records an event emission.
func (m *Metrics) IncrementEventsEmitted() { m.eventsEmitted.Add(1) }

// RecordFrame records one frame and how long it took to render.
func (m *Metrics) RecordFrame(d time.Duration) {
	m.frames.Add(1)
	m.frameLatencyNs.Add(d.Nanoseconds())
	m.frameLatencyN.Add(1)
}

// SetRunning updates the running state gauge.
func (m *Metrics) SetRunning(running bool) {
	if running {
		m.currentlyActive.Store(1)
	} else {
		m.currentlyActive.Store(0)
	}
}

// SetWindows updates the window gauges.
func (m *Metrics) SetWindows(total, software int) {
	m.windows.Store(int32(total))
	m.softwareWindows.Store(int32(software))
}

// Reset clears all metrics. Useful for testing.
func (m *Metrics) Reset() {
	for _, c := range []*atomic.Int64{
		&m.starts, &m.stops, &m.restarts, &m.configReloads, &m.errorsTotal, &m.eventsEmitted,
		&m.flips, &m.asyncFlips, &m.flipErrors, &m.droppedFlips, &m.backpressure,
		&m.allocFailures, &m.resizes, &m.resizeFailures, &m.commits, &m.commitErrors,
		&m.flipLatencyNs, &m.flipLatencyN, &m.frameLatencyNs, &m.frameLatencyN, &m.frames,
	} {
		c.Store(0)
	}
	for i := range m.allocations {
		m.allocations[i].Store(0)
	}
	m.currentlyActive.Store(0)
	m.windows.Store(0)
	m.softwareWindows.Store(0)
}

// safeDivide performs safe division, returning 0 for divide by zero.
func safeDivide(total, count int64) time.Duration {
	if count == 0 {
		return 0
	}
	return time.Duration(total / count)
}

var defaultMetrics = NewMetrics()

// DefaultMetrics returns the global default Metrics instance.
func DefaultMetrics() *Metrics {
	return defaultMetrics
}
