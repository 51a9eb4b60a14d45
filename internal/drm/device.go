// Package drm defines the boundary between the compositor and the display
// controller: plane metadata, mapped framebuffers and the Device operations
// the compositor needs. A Linux DRM/KMS implementation is provided by Open.
package drm

import (
	"errors"
	"image"

	"github.com/opd-ai/planecomp/internal/pixel"
)

// DefaultDriver is the DRM driver name of the display controller opened by
// default (Microchip/Atmel HLCDC).
const DefaultDriver = "atmel-hlcdc"

var (
	// ErrUnsupported is returned by Open on platforms without DRM/KMS.
	ErrUnsupported = errors.New("drm: not supported on this platform")
	// ErrNoDevice is returned when no device matches the requested driver.
	ErrNoDevice = errors.New("drm: no matching device")
	// ErrInvalidPlane is returned for plane indices the device does not have.
	ErrInvalidPlane = errors.New("drm: invalid plane")
	// ErrFormat is returned when a plane cannot scan out a format.
	ErrFormat = errors.New("drm: format not supported by plane")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("drm: device closed")
)

// PlaneType classifies hardware planes.
type PlaneType int

const (
	// PlaneOverlay is an overlay plane.
	PlaneOverlay PlaneType = iota
	// PlanePrimary is the primary (base) plane of the CRTC.
	PlanePrimary
	// PlaneCursor is a small cursor plane.
	PlaneCursor
)

// String returns the plane type name.
func (t PlaneType) String() string {
	switch t {
	case PlaneOverlay:
		return "overlay"
	case PlanePrimary:
		return "primary"
	case PlaneCursor:
		return "cursor"
	default:
		return "unknown"
	}
}

// PlaneInfo describes one hardware plane.
type PlaneInfo struct {
	// Index is the position of the plane in the device plane list.
	Index int
	// ID is the kernel object id.
	ID uint32
	// Type is the plane class.
	Type PlaneType
	// Formats lists the formats the plane can scan out.
	Formats []pixel.Format
	// CanScale reports hardware scaling support (HEO planes).
	CanScale bool
}

// Supports reports whether the plane can scan out f.
func (p PlaneInfo) Supports(f pixel.Format) bool {
	for _, pf := range p.Formats {
		if pf == f {
			return true
		}
	}
	return false
}

// Framebuffer is one mapped scanout buffer.
type Framebuffer struct {
	ID     uint32
	Handle uint32
	Data   []byte
	Stride int
	Size   image.Point
	Format pixel.Format
}

// PlaneState is the geometry pushed to a plane on Commit.
type PlaneState struct {
	// Position of the plane on the display.
	Position image.Point
	// ScaleX and ScaleY scale the source region; zero means 1.
	ScaleX, ScaleY float64
	// Pan is the visible source region within the buffer; empty means the
	// whole buffer.
	Pan image.Rectangle
	// Visible disables the plane when false.
	Visible bool
}

// Source returns the source rectangle for a buffer of the given size.
func (s PlaneState) Source(size image.Point) image.Rectangle {
	if s.Pan.Empty() {
		return image.Rectangle{Max: size}
	}
	return s.Pan
}

// Destination returns the on-screen rectangle for a buffer of the given size.
func (s PlaneState) Destination(size image.Point) image.Rectangle {
	src := s.Source(size)
	sx, sy := s.ScaleX, s.ScaleY
	if sx <= 0 {
		sx = 1
	}
	if sy <= 0 {
		sy = 1
	}
	w := int(float64(src.Dx())*sx + 0.5)
	h := int(float64(src.Dy())*sy + 0.5)
	return image.Rect(s.Position.X, s.Position.Y, s.Position.X+w, s.Position.Y+h)
}

// Device is a display controller with a fixed set of planes.
//
// AllocBuffers, FreeBuffers and Commit are called from the goroutine that
// owns plane allocation; Flip may be called concurrently from flip workers.
type Device interface {
	// Planes returns the plane list in index order.
	Planes() []PlaneInfo
	// DisplaySize returns the active mode resolution.
	DisplaySize() image.Point
	// AllocBuffers creates count mapped framebuffers for a plane.
	AllocBuffers(plane int, size image.Point, format pixel.Format, count int) ([]*Framebuffer, error)
	// FreeBuffers unmaps and destroys framebuffers.
	FreeBuffers(fbs []*Framebuffer) error
	// Commit applies geometry and visibility, scanning out fb.
	Commit(plane int, fb *Framebuffer, state PlaneState) error
	// Flip makes fb the scanned-out buffer. A synchronous flip returns once
	// the flip completed; an async flip returns after submission.
	Flip(plane int, fb *Framebuffer, async bool) error
	// Close releases the device.
	Close() error
}

// CountPlanes returns how many planes of type t the device exposes.
func CountPlanes(d Device, t PlaneType) int {
	n := 0
	for _, p := range d.Planes() {
		if p.Type == t {
			n++
		}
	}
	return n
}
