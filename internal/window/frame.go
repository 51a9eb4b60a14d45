package window

import (
	"image"
	"image/draw"
	"sync"
)

// Frame is the parent surface that software windows composite into. It
// collects the damage its owner must repaint before the next flip.
type Frame struct {
	surface draw.Image

	mu     sync.Mutex
	damage []image.Rectangle
}

// NewFrame wraps the parent surface, typically the display context.
func NewFrame(surface draw.Image) *Frame {
	return &Frame{surface: surface}
}

// Surface returns the parent surface.
func (f *Frame) Surface() draw.Image { return f.surface }

// Bounds returns the surface bounds, or the empty rectangle without one.
func (f *Frame) Bounds() image.Rectangle {
	if f.surface == nil {
		return image.Rectangle{}
	}
	return f.surface.Bounds()
}

// Damage adds r, clipped to the surface. A nil Frame ignores damage.
func (f *Frame) Damage(r image.Rectangle) {
	if f == nil {
		return
	}
	if f.surface != nil {
		r = r.Intersect(f.surface.Bounds())
	}
	if r.Empty() {
		return
	}
	f.mu.Lock()
	f.damage = append(f.damage, r)
	f.mu.Unlock()
}

// DamageList returns a copy of the pending damage.
func (f *Frame) DamageList() []image.Rectangle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]image.Rectangle(nil), f.damage...)
}

// TakeDamage returns the pending damage and clears it.
func (f *Frame) TakeDamage() []image.Rectangle {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.damage
	f.damage = nil
	return d
}
