package kms

import (
	"errors"
	"fmt"
)

var (
	// ErrDeviceOpen is returned when the display device is missing.
	ErrDeviceOpen = errors.New("kms: display device unavailable")
	// ErrPrimaryPlane is returned when the primary plane cannot be created.
	ErrPrimaryPlane = errors.New("kms: primary plane unavailable")
	// ErrNoPlane is returned when no plane satisfies an allocation.
	ErrNoPlane = errors.New("kms: no plane available")
	// ErrResize is returned when a plane could not be reallocated. The
	// previous buffers and geometry remain in effect.
	ErrResize = errors.New("kms: resize failed")
	// ErrScaleUnsupported is returned by Scale on planes without a scaler.
	ErrScaleUnsupported = errors.New("kms: plane cannot scale")
	// ErrPanOutOfRange is returned when a pan region leaves the buffer.
	ErrPanOutOfRange = errors.New("kms: pan region outside buffer")
	// ErrQueueClosed is returned by Enqueue after Close.
	ErrQueueClosed = errors.New("kms: flip queue closed")
	// ErrClosed is returned by operations on a closed display or overlay.
	ErrClosed = errors.New("kms: closed")
)

// Error records a failed plane operation.
type Error struct {
	Op    string
	Plane int // -1 when no plane was involved
	Err   error
}

func (e *Error) Error() string {
	if e.Plane < 0 {
		return fmt.Sprintf("kms: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("kms: %s plane %d: %v", e.Op, e.Plane, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
