// Package config provides configuration parsing for planecomp.
// This file defines the configuration types.
package config

import (
	"fmt"
	"image"
	"image/color"
	"strings"
	"time"

	"github.com/opd-ai/planecomp/internal/kms"
	"github.com/opd-ai/planecomp/internal/pixel"
)

// Config is the complete compositor configuration.
type Config struct {
	// Device selects the display controller.
	Device DeviceConfig
	// Display configures the primary plane and frame loop.
	Display DisplayConfig
	// Windows lists the windows to composite, bottom to top.
	Windows []WindowConfig
	// Preview configures the desktop preview of the simulated device.
	Preview PreviewConfig
}

// DeviceKind selects the display controller implementation.
type DeviceKind int

const (
	// DeviceSim is the in-memory controller.
	DeviceSim DeviceKind = iota
	// DeviceDRM is a Linux DRM/KMS controller.
	DeviceDRM
)

// String returns the device kind name.
func (k DeviceKind) String() string {
	switch k {
	case DeviceSim:
		return "sim"
	case DeviceDRM:
		return "drm"
	default:
		return "unknown"
	}
}

// ParseDeviceKind parses "sim" or "drm".
func ParseDeviceKind(s string) (DeviceKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sim", "simulated", "":
		return DeviceSim, nil
	case "drm", "kms":
		return DeviceDRM, nil
	default:
		return DeviceSim, fmt.Errorf("unknown device kind: %s", s)
	}
}

// DeviceConfig selects and configures the display controller.
type DeviceConfig struct {
	// Kind is the controller implementation.
	Kind DeviceKind
	// Path is a DRM device node; empty means search by Driver.
	Path string
	// Driver is the DRM driver name searched for when Path is empty.
	Driver string
	// Width and Height set the simulated display resolution.
	Width  int
	Height int
}

// DisplayConfig configures the primary plane.
type DisplayConfig struct {
	// Primary creates the primary plane. Without it windows only get
	// overlay planes and software windows have no parent surface.
	Primary bool
	// Buffers per plane; 0 defers to EGT_KMS_BUFFERS or the default.
	Buffers int
	// Format of the primary plane.
	Format pixel.Format
	// UpdateInterval is the frame period.
	UpdateInterval time.Duration
	// Background fills the primary plane.
	Background color.RGBA
}

// Motion moves a window every frame, bouncing off the display edges.
type Motion struct {
	DX, DY int
}

// IsZero reports whether the window is static.
func (m Motion) IsZero() bool { return m.DX == 0 && m.DY == 0 }

// WindowConfig describes one window.
type WindowConfig struct {
	Name          string
	X, Y          int
	Width, Height int
	Format        pixel.Format
	Hint          kms.Hint
	Visible       bool
	// ScaleX and ScaleY apply on scaling planes; 0 means unscaled.
	ScaleX, ScaleY float64
	Color          color.RGBA
	Motion         Motion
	// Async flips without waiting for the flip queue.
	Async bool
	// Fallback composites in software when no plane is free.
	Fallback bool
}

// Box returns the window rectangle on the display.
func (w WindowConfig) Box() image.Rectangle {
	return image.Rect(w.X, w.Y, w.X+w.Width, w.Y+w.Height)
}

// PreviewConfig configures the preview window.
type PreviewConfig struct {
	Enabled bool
	Title   string
	// Scale of the preview window; 0 fits the host screen.
	Scale float64
}

// Window returns the window named name.
func (c *Config) Window(name string) (WindowConfig, bool) {
	for _, w := range c.Windows {
		if w.Name == name {
			return w, true
		}
	}
	return WindowConfig{}, false
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() error {
	return NewValidator().Validate(c).Error()
}
