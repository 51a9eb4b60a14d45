package planecomp

import (
	"fmt"
	"time"

	"github.com/opd-ai/planecomp/internal/kms"
)

// HealthStatus represents the overall health state of a component.
type HealthStatus string

const (
	// HealthOK indicates the component is functioning normally.
	HealthOK HealthStatus = "ok"
	// HealthDegraded indicates partial functionality or non-critical issues.
	HealthDegraded HealthStatus = "degraded"
	// HealthUnhealthy indicates the component is not functioning.
	HealthUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck contains the health status of the compositor and its components.
type HealthCheck struct {
	Status     HealthStatus
	Timestamp  time.Time
	Uptime     time.Duration // zero if not running
	Components map[string]ComponentHealth
	Message    string
}

// ComponentHealth represents the health status of an individual component.
type ComponentHealth struct {
	Status      HealthStatus
	Message     string
	LastUpdated time.Time
}

// IsHealthy returns true if the overall status is HealthOK.
func (h HealthCheck) IsHealthy() bool { return h.Status == HealthOK }

// IsDegraded returns true if the overall status is HealthDegraded.
func (h HealthCheck) IsDegraded() bool { return h.Status == HealthDegraded }

// IsUnhealthy returns true if the overall status is HealthUnhealthy.
func (h HealthCheck) IsUnhealthy() bool { return h.Status == HealthUnhealthy }

// healthWindow is how far back Health looks for errors.
const healthWindow = time.Minute

// Health reports the compositor, the display, the windows and recent
// errors. Software fallbacks and recent errors degrade the result.
func (c *compositorImpl) Health() HealthCheck {
	now := time.Now()
	components := make(map[string]ComponentHealth, 4)
	component := func(name string, status HealthStatus, format string, args ...any) {
		components[name] = ComponentHealth{Status: status, Message: fmt.Sprintf(format, args...), LastUpdated: now}
	}

	running := c.running.Load()
	var uptime time.Duration
	c.mu.RLock()
	if running && !c.startTime.IsZero() {
		uptime = now.Sub(c.startTime)
	}
	c.mu.RUnlock()

	if running {
		component("instance", HealthOK, "running, %d frames", c.frames.Load())
	} else {
		component("instance", HealthUnhealthy, "not running")
	}

	c.sceneMu.Lock()
	var fallbacks, unallocated int
	for _, s := range c.scenes {
		switch {
		case s.software() && s.cfg.Hint != kms.HintSoftware:
			fallbacks++
		case s.win.Screen() == nil && s.win.Visible():
			unallocated++
		}
	}
	windows := len(c.scenes)
	switch {
	case c.display == nil:
		component("display", HealthUnhealthy, "display closed")
	case c.display.Primary() == nil:
		component("display", HealthDegraded, "no primary plane, %d planes in use", c.display.Registry().Len())
	default:
		component("display", HealthOK, "%v, %d planes in use", c.display.DisplaySize(), c.display.Registry().Len())
	}
	c.sceneMu.Unlock()

	switch {
	case unallocated > 0:
		component("windows", HealthDegraded, "%d of %d windows without a screen", unallocated, windows)
	case fallbacks > 0:
		component("windows", HealthDegraded, "%d of %d windows composited in software", fallbacks, windows)
	default:
		component("windows", HealthOK, "%d windows", windows)
	}

	recent := c.tracker.ErrorRate(healthWindow)
	lastErr := c.getError()
	if recent > 0 && lastErr != nil {
		component("errors", HealthDegraded, "%.2f errors/s: %v", recent, lastErr)
	} else {
		component("errors", HealthOK, "no recent errors")
	}

	overall := HealthOK
	message := "All components healthy"
	switch {
	case !running:
		overall = HealthUnhealthy
		message = "Compositor is not running"
	default:
		for _, ch := range components {
			if ch.Status != HealthOK {
				overall = HealthDegraded
				message = "Running degraded"
				break
			}
		}
	}

	return HealthCheck{
		Status:     overall,
		Timestamp:  now,
		Uptime:     uptime,
		Components: components,
		Message:    message,
	}
}
