package config

import (
	"image/color"
	"time"

	"github.com/opd-ai/planecomp/internal/drm"
	"github.com/opd-ai/planecomp/internal/kms"
	"github.com/opd-ai/planecomp/internal/pixel"
)

// Default values for configuration options.
const (
	// DefaultUpdateInterval is the default frame period (60 Hz).
	DefaultUpdateInterval = time.Second / 60
	// DefaultDisplayWidth is the default simulated display width.
	DefaultDisplayWidth = 800
	// DefaultDisplayHeight is the default simulated display height.
	DefaultDisplayHeight = 480
	// DefaultPreviewTitle is the preview window title.
	DefaultPreviewTitle = "planecomp"
)

// DefaultBackground is the default primary plane color.
var DefaultBackground = color.RGBA{R: 0x20, G: 0x20, B: 0x28, A: 0xff}

// DefaultConfig returns a Config with sensible default values: a
// simulated device with a primary plane and no windows.
func DefaultConfig() Config {
	return Config{
		Device: DeviceConfig{
			Kind:   DeviceSim,
			Driver: drm.DefaultDriver,
			Width:  DefaultDisplayWidth,
			Height: DefaultDisplayHeight,
		},
		Display: DisplayConfig{
			Primary:        true,
			Buffers:        0,
			Format:         pixel.XRGB8888,
			UpdateInterval: DefaultUpdateInterval,
			Background:     DefaultBackground,
		},
		Preview: PreviewConfig{
			Title: DefaultPreviewTitle,
		},
	}
}

// DefaultWindowConfig returns the values a window table starts from.
func DefaultWindowConfig() WindowConfig {
	return WindowConfig{
		Format:  pixel.ARGB8888,
		Hint:    kms.HintOverlay,
		Visible: true,
		Color:   color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff},
	}
}
