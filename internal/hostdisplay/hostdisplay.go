// Package hostdisplay inspects the desktop the preview window opens on.
package hostdisplay

import (
	"errors"
	"image"
	"os"
	"strings"
)

// ErrNoDisplay is returned when no host display can be reached.
var ErrNoDisplay = errors.New("hostdisplay: no display")

// CompositorStatus represents the detected compositor state.
type CompositorStatus int

const (
	// CompositorUnknown means the state could not be determined.
	CompositorUnknown CompositorStatus = iota
	// CompositorActive means a compositing manager is running.
	CompositorActive
	// CompositorInactive means no compositing manager was found.
	CompositorInactive
)

// String returns a human-readable compositor status.
func (cs CompositorStatus) String() string {
	switch cs {
	case CompositorActive:
		return "active"
	case CompositorInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// Info describes the host display.
type Info struct {
	Size       image.Point
	Compositor CompositorStatus
	Wayland    bool
}

// Probe gathers Info. Size is zero when it cannot be determined.
func Probe() (Info, error) {
	info := Info{Wayland: IsWayland()}
	size, err := ScreenSize()
	if err != nil {
		return info, err
	}
	info.Size = size
	info.Compositor = DetectCompositor()
	return info, nil
}

// IsWayland checks if the current session is running on Wayland.
func IsWayland() bool {
	if strings.EqualFold(os.Getenv("XDG_SESSION_TYPE"), "wayland") {
		return true
	}
	return os.Getenv("WAYLAND_DISPLAY") != ""
}

// FitScale returns the largest scale not above want at which a window of
// size display fits within 90% of host. An unknown host keeps want; want
// of 0 or less means 1.
func FitScale(display, host image.Point, want float64) float64 {
	if want <= 0 {
		want = 1
	}
	if display.X <= 0 || display.Y <= 0 || host.X <= 0 || host.Y <= 0 {
		return want
	}
	fx := 0.9 * float64(host.X) / float64(display.X)
	fy := 0.9 * float64(host.Y) / float64(display.Y)
	fit := min(fx, fy)
	if fit < want {
		return fit
	}
	return want
}
