package profiling

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"
)

// Byte size constants for memory formatting
const (
	KB = 1024
	MB = KB * 1024
	GB = MB * 1024
)

// Snapshot is one sample of the resources a compositor can leak.
type Snapshot struct {
	Timestamp   time.Time
	HeapAlloc   uint64
	HeapObjects uint64
	Goroutines  int
	// Planes is the number of registered planes, -1 when not sampled.
	Planes int
}

// Growth compares the oldest and newest snapshot.
type Growth struct {
	Duration       time.Duration
	HeapDelta      int64
	GoroutineDelta int
	PlaneDelta     int
	// HeapRate is the heap growth in bytes per second.
	HeapRate float64
	Leak     bool
	Reason   string
}

// LeakConfig configures a LeakDetector.
type LeakConfig struct {
	// Interval between samples.
	Interval time.Duration
	// MaxSnapshots bounds the sample window.
	MaxSnapshots int
	// HeapRate is the sustained growth in bytes per second reported as a leak.
	HeapRate int64
	// Goroutines is the net goroutine increase reported as a leak.
	Goroutines int
	// Planes is the net plane increase reported as a leak.
	Planes int
}

// DefaultLeakConfig returns a LeakConfig with sensible defaults.
func DefaultLeakConfig() LeakConfig {
	return LeakConfig{
		Interval:     10 * time.Second,
		MaxSnapshots: 100,
		HeapRate:     MB,
		Goroutines:   10,
		Planes:       1,
	}
}

// LeakDetector samples the runtime and the plane count of a compositor.
// A plane count that keeps growing across window changes means planes are
// claimed and never released.
type LeakDetector struct {
	cfg    LeakConfig
	planes func() int
	now    func() time.Time
	stats  func() (heap, objects uint64, goroutines int)

	mu        sync.RWMutex
	snapshots []Snapshot
}

// NewLeakDetector creates a detector. planes reports the planes in use;
// nil skips plane tracking.
func NewLeakDetector(cfg LeakConfig, planes func() int) *LeakDetector {
	def := DefaultLeakConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MaxSnapshots < 2 {
		cfg.MaxSnapshots = def.MaxSnapshots
	}
	if cfg.HeapRate <= 0 {
		cfg.HeapRate = def.HeapRate
	}
	if cfg.Goroutines <= 0 {
		cfg.Goroutines = def.Goroutines
	}
	if cfg.Planes <= 0 {
		cfg.Planes = def.Planes
	}
	return &LeakDetector{cfg: cfg, planes: planes, now: time.Now, stats: runtimeStats}
}

func runtimeStats() (heap, objects uint64, goroutines int) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc, ms.HeapObjects, runtime.NumGoroutine()
}

// Sample takes and stores a snapshot.
func (d *LeakDetector) Sample() Snapshot {
	s := Snapshot{Timestamp: d.now(), Planes: -1}
	s.HeapAlloc, s.HeapObjects, s.Goroutines = d.stats()
	if d.planes != nil {
		s.Planes = d.planes()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.snapshots = append(d.snapshots, s)
	if over := len(d.snapshots) - d.cfg.MaxSnapshots; over > 0 {
		d.snapshots = append(d.snapshots[:0], d.snapshots[over:]...)
	}
	return s
}

// Snapshots returns a copy of the stored snapshots, oldest first.
func (d *LeakDetector) Snapshots() []Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Snapshot(nil), d.snapshots...)
}

// Analyze compares the oldest and newest snapshot. It returns nil with
// fewer than two snapshots or no elapsed time.
func (d *LeakDetector) Analyze() *Growth {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.snapshots) < 2 {
		return nil
	}
	first, last := d.snapshots[0], d.snapshots[len(d.snapshots)-1]
	elapsed := last.Timestamp.Sub(first.Timestamp)
	if elapsed <= 0 {
		return nil
	}

	g := &Growth{
		Duration:       elapsed,
		HeapDelta:      int64(last.HeapAlloc) - int64(first.HeapAlloc),
		GoroutineDelta: last.Goroutines - first.Goroutines,
	}
	g.HeapRate = float64(g.HeapDelta) / elapsed.Seconds()
	if first.Planes >= 0 && last.Planes >= 0 {
		g.PlaneDelta = last.Planes - first.Planes
	}

	switch {
	case g.PlaneDelta >= d.cfg.Planes:
		g.Leak = true
		g.Reason = fmt.Sprintf("planes in use grew by %d", g.PlaneDelta)
	case g.GoroutineDelta > d.cfg.Goroutines:
		g.Leak = true
		g.Reason = fmt.Sprintf("goroutine count grew by %d (threshold %d)", g.GoroutineDelta, d.cfg.Goroutines)
	case g.HeapRate > float64(d.cfg.HeapRate):
		g.Leak = true
		g.Reason = fmt.Sprintf("heap grows %s/s (threshold %s/s)", FormatBytes(uint64(g.HeapRate)), FormatBytes(uint64(d.cfg.HeapRate)))
	}
	return g
}

// Run samples every Interval until ctx ends, calling onLeak whenever the
// analysis reports a leak.
func (d *LeakDetector) Run(ctx context.Context, onLeak func(Growth)) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.Sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Sample()
			if g := d.Analyze(); g != nil && g.Leak && onLeak != nil {
				onLeak(*g)
			}
		}
	}
}

// FormatBytes formats a byte count as a human-readable string.
func FormatBytes(bytes uint64) string {
	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

func (g Growth) String() string {
	status := "no leak"
	if g.Leak {
		status = "possible leak: " + g.Reason
	}
	return fmt.Sprintf("over %s: heap %+d B (%.2f KB/s), goroutines %+d, planes %+d, %s",
		g.Duration.Round(time.Second), g.HeapDelta, g.HeapRate/KB, g.GoroutineDelta, g.PlaneDelta, status)
}
