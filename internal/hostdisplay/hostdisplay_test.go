package hostdisplay

import (
	"image"
	"testing"
)

func TestFitScale(t *testing.T) {
	tests := []struct {
		name    string
		display image.Point
		host    image.Point
		want    float64
		result  float64
	}{
		{"fits", image.Pt(800, 480), image.Pt(1920, 1080), 2, 2},
		{"shrinks", image.Pt(800, 480), image.Pt(1000, 1000), 2, 0.9 * 1000 / 800},
		{"unknown host", image.Pt(800, 480), image.Point{}, 1.5, 1.5},
		{"default", image.Pt(800, 480), image.Pt(1920, 1080), 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FitScale(tt.display, tt.host, tt.want); got != tt.result {
				t.Errorf("FitScale() = %v, want %v", got, tt.result)
			}
		})
	}
}

func TestIsWayland(t *testing.T) {
	t.Setenv("XDG_SESSION_TYPE", "Wayland")
	t.Setenv("WAYLAND_DISPLAY", "")
	if !IsWayland() {
		t.Error("XDG_SESSION_TYPE=Wayland not detected")
	}
	t.Setenv("XDG_SESSION_TYPE", "x11")
	if IsWayland() {
		t.Error("x11 session reported as Wayland")
	}
	t.Setenv("WAYLAND_DISPLAY", "wayland-0")
	if !IsWayland() {
		t.Error("WAYLAND_DISPLAY not detected")
	}
}

func TestCompositorStatusString(t *testing.T) {
	for status, want := range map[CompositorStatus]string{
		CompositorActive:   "active",
		CompositorInactive: "inactive",
		CompositorUnknown:  "unknown",
	} {
		if got := status.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}
