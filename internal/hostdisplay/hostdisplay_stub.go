//go:build !linux

package hostdisplay

import "image"

// ScreenSize is unavailable off Linux; the preview keeps its scale.
func ScreenSize() (image.Point, error) {
	return image.Point{}, ErrNoDisplay
}

// DetectCompositor returns CompositorActive: Windows and macOS always
// composite.
func DetectCompositor() CompositorStatus {
	return CompositorActive
}
