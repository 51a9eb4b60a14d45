package kms

import (
	"time"

	"github.com/opd-ai/planecomp/internal/drm"
)

// Logger is the structured logger used by the package. It matches the
// public planecomp.Logger so the same adapter serves both.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Observer receives compositor events, typically to update metrics.
// Methods may be called from flip workers and must be safe for
// concurrent use.
type Observer interface {
	FlipCompleted(plane int, async bool, latency time.Duration, err error)
	FlipsDropped(plane int, n int)
	FlipBackpressure(plane int)
	PlaneAllocated(plane int, typ drm.PlaneType)
	AllocationFailed(hint Hint, err error)
	Resized(plane int, err error)
	Committed(plane int, err error)
}

type nopObserver struct{}

func (nopObserver) FlipCompleted(int, bool, time.Duration, error) {}
func (nopObserver) FlipsDropped(int, int)                         {}
func (nopObserver) FlipBackpressure(int)                          {}
func (nopObserver) PlaneAllocated(int, drm.PlaneType)             {}
func (nopObserver) AllocationFailed(Hint, error)                  {}
func (nopObserver) Resized(int, error)                            {}
func (nopObserver) Committed(int, error)                          {}
