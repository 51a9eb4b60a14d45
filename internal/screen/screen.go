// Package screen implements the buffer-pool contract shared by every
// display surface: N mapped buffers, a current index, a composition
// surface for the painting layer and per-buffer damage tracking.
//
// Concrete screens (the primary display plane, overlay planes, heap
// screens for software windows) embed Screen and install a Scheduler that
// hands the current buffer to the display.
package screen

import (
	"errors"
	"fmt"
	"image"
	"image/draw"

	"github.com/opd-ai/planecomp/internal/pixel"
)

// maxPending bounds the damage list of a buffer before it collapses into
// the bounding rectangle.
const maxPending = 16

// ErrNoBuffers is returned by Init when the buffer list is empty.
var ErrNoBuffers = errors.New("screen: no buffers")

// Buffer is one mapped memory region of Stride*height bytes.
type Buffer struct {
	Data   []byte
	Stride int

	view    *pixel.Image
	pending []image.Rectangle
}

// Scheduler is implemented by concrete screens to present the current
// buffer. It is called after damage has been copied into the buffer and is
// responsible for advancing the index.
type Scheduler interface {
	ScheduleFlip() error
}

// SchedulerFunc adapts a function to Scheduler.
type SchedulerFunc func() error

// ScheduleFlip calls f.
func (f SchedulerFunc) ScheduleFlip() error { return f() }

// Screen owns a pool of buffers. The zero value is an uninitialized screen
// with no buffers; call Init before use. Screen is not safe for concurrent
// use; it belongs to the render goroutine.
type Screen struct {
	buffers []*Buffer
	size    image.Point
	format  pixel.Format
	index   int
	ctx     *pixel.Image
	damage  []image.Rectangle
	sched   Scheduler
}

// SetScheduler installs the flip hook.
func (s *Screen) SetScheduler(sched Scheduler) { s.sched = sched }

// Init (re)initializes the pool over caller-mapped buffers. The index
// resets to 0 and every buffer is marked fully damaged. The composition
// surface is reallocated when size or format changes.
func (s *Screen) Init(buffers []Buffer, size image.Point, format pixel.Format) error {
	if len(buffers) == 0 {
		return ErrNoBuffers
	}
	if size.X <= 0 || size.Y <= 0 {
		return fmt.Errorf("screen: invalid size %v", size)
	}
	if !format.IsValid() {
		return fmt.Errorf("screen: %w: %s", pixel.ErrUnsupportedFormat, format)
	}
	full := image.Rectangle{Max: size}
	pool := make([]*Buffer, len(buffers))
	for i := range buffers {
		b := buffers[i]
		if len(b.Data) < format.BufferLen(b.Stride, size.Y) {
			return fmt.Errorf("screen: buffer %d holds %d bytes, need %d", i, len(b.Data), format.BufferLen(b.Stride, size.Y))
		}
		if format.Drawable() {
			view, err := pixel.NewImage(b.Data, b.Stride, size, format)
			if err != nil {
				return fmt.Errorf("screen: buffer %d: %w", i, err)
			}
			b.view = view
		}
		b.pending = []image.Rectangle{full}
		pool[i] = &b
	}

	if format.Drawable() {
		if s.ctx == nil || s.size != size || s.format != format {
			ctx, err := pixel.Alloc(size, format)
			if err != nil {
				return fmt.Errorf("screen: composition surface: %w", err)
			}
			s.ctx = ctx
		}
	} else {
		s.ctx = nil
	}

	s.buffers = pool
	s.size = size
	s.format = format
	s.index = 0
	s.damage = nil
	return nil
}

// Context returns the composition surface the painting layer draws into,
// or nil for raw-only formats.
func (s *Screen) Context() draw.Image {
	if s.ctx == nil {
		return nil
	}
	return s.ctx
}

// Damage records a changed rectangle. It is clipped to the screen; empty
// rectangles are dropped.
func (s *Screen) Damage(r image.Rectangle) {
	r = r.Intersect(s.Bounds())
	if r.Empty() {
		return
	}
	s.damage = addDamage(s.damage, r)
}

// DamageList returns the damage accumulated since the last Flip.
func (s *Screen) DamageList() []image.Rectangle {
	return append([]image.Rectangle(nil), s.damage...)
}

// Flip folds damage into every buffer, copies the current buffer's pending
// damage from the composition surface and schedules the flip.
func (s *Screen) Flip(damage ...image.Rectangle) error {
	if len(s.buffers) == 0 {
		return ErrNoBuffers
	}
	for _, r := range damage {
		s.Damage(r)
	}
	for _, b := range s.buffers {
		for _, r := range s.damage {
			b.pending = addDamage(b.pending, r)
		}
	}
	s.damage = nil

	cur := s.buffers[s.index]
	if s.ctx != nil && cur.view != nil {
		for _, r := range cur.pending {
			if err := pixel.CopyRect(cur.view, s.ctx, r); err != nil {
				return fmt.Errorf("screen: compose: %w", err)
			}
		}
	}
	cur.pending = cur.pending[:0]

	if s.sched == nil {
		return nil
	}
	return s.sched.ScheduleFlip()
}

// Pending returns the damage buffer i still needs before it is valid.
func (s *Screen) Pending(i int) []image.Rectangle {
	if i < 0 || i >= len(s.buffers) {
		return nil
	}
	return append([]image.Rectangle(nil), s.buffers[i].pending...)
}

// Index returns the current buffer index.
func (s *Screen) Index() int { return s.index }

// SetIndex selects the current buffer. Out of range values wrap.
func (s *Screen) SetIndex(i int) {
	if n := len(s.buffers); n > 0 {
		s.index = ((i % n) + n) % n
	}
}

// Buffer returns the current buffer.
func (s *Screen) Buffer() *Buffer {
	if len(s.buffers) == 0 {
		return nil
	}
	return s.buffers[s.index]
}

// Buffers returns the buffer pool.
func (s *Screen) Buffers() []*Buffer { return s.buffers }

// Raw returns the bytes of the current buffer. Only this buffer may be
// written; the others may be queued or scanned out.
func (s *Screen) Raw() []byte {
	if b := s.Buffer(); b != nil {
		return b.Data
	}
	return nil
}

// BufferCount returns the number of buffers.
func (s *Screen) BufferCount() int { return len(s.buffers) }

// Size returns the buffer dimensions.
func (s *Screen) Size() image.Point { return s.size }

// Bounds returns the screen rectangle.
func (s *Screen) Bounds() image.Rectangle { return image.Rectangle{Max: s.size} }

// Format returns the pixel format.
func (s *Screen) Format() pixel.Format { return s.format }

func addDamage(list []image.Rectangle, r image.Rectangle) []image.Rectangle {
	for i, d := range list {
		if r.In(d) {
			return list
		}
		if d.In(r) {
			list[i] = r
			return list
		}
	}
	if len(list) >= maxPending {
		u := r
		for _, d := range list {
			u = u.Union(d)
		}
		return append(list[:0], u)
	}
	return append(list, r)
}

// NewMemory returns a heap-backed screen for software-composited windows.
// Its flip copies damage and keeps the index.
func NewMemory(size image.Point, format pixel.Format, count int) (*Screen, error) {
	if count < 1 {
		count = 1
	}
	stride := format.Stride(size.X)
	buffers := make([]Buffer, count)
	for i := range buffers {
		buffers[i] = Buffer{Data: make([]byte, format.BufferLen(stride, size.Y)), Stride: stride}
	}
	s := &Screen{}
	if err := s.Init(buffers, size, format); err != nil {
		return nil, err
	}
	return s, nil
}
