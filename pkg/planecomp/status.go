package planecomp

import (
	"image"
	"time"
)

// Status represents the current state of a Compositor.
type Status struct {
	// Running indicates if the compositor is currently active.
	Running bool
	// StartTime is when the compositor was last started (zero if never started).
	StartTime time.Time
	// Frames is the number of frames rendered since last start.
	Frames uint64
	// LastError is the most recent error encountered (nil if none).
	LastError error
	// ConfigSource describes the configuration source (file path or "reader").
	ConfigSource string
	// Device names the display controller.
	Device string
	// DisplaySize is the active display resolution.
	DisplaySize image.Point
	// PlanesInUse counts registered planes, primary included.
	PlanesInUse int
}

// WindowInfo describes one composited window.
type WindowInfo struct {
	Name    string
	Box     image.Rectangle
	Visible bool
	// State is the allocation state: unallocated, clean, dirty or closed.
	State string
	// Hardware reports whether the window owns a plane.
	Hardware bool
	// Plane is the plane index, -1 for software windows.
	Plane int
	// PlaneType is the plane class of hardware windows.
	PlaneType string
	Format    string
}

// ErrorHandler is a callback for runtime errors.
// It is called asynchronously when errors occur during operation.
// Do not block in the handler; perform only quick, non-blocking operations.
type ErrorHandler func(err error)

// EventHandler is a callback for lifecycle events.
// It is called asynchronously; do not block in the handler.
type EventHandler func(event Event)

// Event represents a lifecycle event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Message   string
}

// EventType enumerates lifecycle event types.
type EventType int

const (
	// EventStarted is emitted when the compositor starts successfully.
	EventStarted EventType = iota
	// EventStopped is emitted when the compositor stops.
	EventStopped
	// EventRestarted is emitted after a successful restart.
	EventRestarted
	// EventConfigReloaded is emitted when configuration is reloaded.
	EventConfigReloaded
	// EventError is emitted when a recoverable error occurs.
	EventError
	// EventWindowAdded is emitted when a reload adds a window.
	EventWindowAdded
	// EventWindowRemoved is emitted when a reload removes a window.
	EventWindowRemoved
)

// String returns a human-readable representation of the event type.
func (e EventType) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventRestarted:
		return "restarted"
	case EventConfigReloaded:
		return "config_reloaded"
	case EventError:
		return "error"
	case EventWindowAdded:
		return "window_added"
	case EventWindowRemoved:
		return "window_removed"
	default:
		return "unknown"
	}
}
