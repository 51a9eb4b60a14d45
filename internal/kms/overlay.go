package kms

import (
	"fmt"
	"image"
	"time"

	"github.com/opd-ai/planecomp/internal/drm"
	"github.com/opd-ai/planecomp/internal/pixel"
	"github.com/opd-ai/planecomp/internal/screen"
)

// Overlay is a screen backed by a secondary hardware plane. Geometry
// setters stage changes; Apply, Show and Hide commit them. An Overlay is
// driven from one goroutine; only flips run elsewhere.
type Overlay struct {
	screen.Screen

	d       *Display
	plane   *Plane
	hint    Hint
	queue   *FlipQueue
	pending drm.PlaneState
	front   int
	async   bool
	closed  bool
}

// NewOverlay allocates a plane on d and builds a screen over its buffers.
func NewOverlay(d *Display, size image.Point, format pixel.Format, hint Hint) (*Overlay, error) {
	if hint == HintSoftware {
		return nil, &Error{Op: "allocate", Plane: -1, Err: fmt.Errorf("%w: software hint", ErrNoPlane)}
	}
	p, err := d.AllocateOverlay(size, format, hint)
	if err != nil {
		return nil, err
	}
	o := &Overlay{
		d:       d,
		plane:   p,
		hint:    hint,
		pending: drm.PlaneState{Visible: true},
	}
	if err := o.Init(p.screenBuffers(), p.Size, p.Format); err != nil {
		_ = d.DeallocateOverlay(p)
		return nil, &Error{Op: "allocate", Plane: p.Index(), Err: err}
	}
	o.SetScheduler(o)
	o.queue = d.newQueue(len(p.Buffers) - 1)
	return o, nil
}

// Plane returns the hardware plane.
func (o *Overlay) Plane() *Plane { return o.plane }

// Hint returns the hint the overlay was allocated with.
func (o *Overlay) Hint() Hint { return o.hint }

// CanScale reports whether Scale is supported.
func (o *Overlay) CanScale() bool { return o.plane.Info.CanScale }

// State returns the staged plane state.
func (o *Overlay) State() drm.PlaneState { return o.pending }

// SetAsync selects non-blocking flips that bypass the queue.
func (o *Overlay) SetAsync(async bool) { o.async = async }

// Async reports whether flips bypass the queue.
func (o *Overlay) Async() bool { return o.async }

// Visible reports the staged visibility.
func (o *Overlay) Visible() bool { return o.pending.Visible }

// ScheduleFlip presents the current buffer and advances the index. Async
// overlays flip directly; others queue the flip and may block while the
// queue is full.
func (o *Overlay) ScheduleFlip() error {
	if o.closed {
		return &Error{Op: "schedule flip", Plane: o.plane.Index(), Err: ErrClosed}
	}
	i := o.Index()
	job := FlipJob{Plane: o.plane.Index(), Buffer: o.plane.Buffers[i], Index: i, Async: o.async}
	var err error
	if o.async {
		start := time.Now()
		err = o.d.dev.Flip(job.Plane, job.Buffer, true)
		o.d.obs.FlipCompleted(job.Plane, true, time.Since(start), err)
	} else {
		err = o.queue.Enqueue(job)
	}
	if err != nil {
		return &Error{Op: "schedule flip", Plane: job.Plane, Err: err}
	}
	o.front = i
	o.SetIndex(i + 1)
	return nil
}

// Resize reallocates the plane buffers at size. Queued flips complete
// first. The new buffers reach the display on the next Apply or flip. On
// failure the overlay keeps its buffers and geometry and the error wraps
// ErrResize.
func (o *Overlay) Resize(size image.Point) error {
	if o.closed {
		return &Error{Op: "resize", Plane: o.plane.Index(), Err: ErrClosed}
	}
	if size == o.Size() {
		return nil
	}
	if size.X <= 0 || size.Y <= 0 {
		err := fmt.Errorf("%w: invalid size %v", ErrResize, size)
		o.d.obs.Resized(o.plane.Index(), err)
		return &Error{Op: "resize", Plane: o.plane.Index(), Err: err}
	}
	o.queue.Wait()

	oldPan := o.pending.Pan
	old, oldSize, err := o.d.reallocate(o.plane, size)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrResize, err)
		o.d.obs.Resized(o.plane.Index(), err)
		o.d.log.Warn("overlay resize failed", "plane", o.plane.Index(), "size", size, "error", err)
		return &Error{Op: "resize", Plane: o.plane.Index(), Err: err}
	}
	// Init leaves the screen untouched on error, so the old buffers stay
	// mapped until the new ones are in use.
	if err := o.Init(o.plane.screenBuffers(), o.plane.Size, o.plane.Format); err != nil {
		fresh := o.plane.Buffers
		o.plane.Buffers, o.plane.Size = old, oldSize
		o.d.freeBuffers(o.plane, fresh)
		err = fmt.Errorf("%w: %w", ErrResize, err)
		o.d.obs.Resized(o.plane.Index(), err)
		o.d.log.Warn("overlay resize failed", "plane", o.plane.Index(), "size", size, "error", err)
		return &Error{Op: "resize", Plane: o.plane.Index(), Err: err}
	}
	o.d.freeBuffers(o.plane, old)
	o.front = 0
	if !oldPan.In(image.Rectangle{Max: size}) {
		o.pending.Pan = image.Rectangle{}
	}
	o.d.obs.Resized(o.plane.Index(), nil)
	return nil
}

// Position stages the on-screen position of the plane.
func (o *Overlay) Position(p image.Point) { o.pending.Position = p }

// PanSize stages the size of the visible source region.
func (o *Overlay) PanSize(size image.Point) error {
	r := image.Rectangle{Min: o.pending.Pan.Min, Max: o.pending.Pan.Min.Add(size)}
	return o.setPan(r)
}

// PanPos stages the origin of the visible source region.
func (o *Overlay) PanPos(p image.Point) error {
	size := o.pending.Pan.Size()
	if o.pending.Pan.Empty() {
		size = o.Size()
	}
	return o.setPan(image.Rectangle{Min: p, Max: p.Add(size)})
}

func (o *Overlay) setPan(r image.Rectangle) error {
	if r.Empty() || !r.In(o.Bounds()) {
		return &Error{Op: "pan", Plane: o.plane.Index(), Err: fmt.Errorf("%w: %v not in %v", ErrPanOutOfRange, r, o.Bounds())}
	}
	o.pending.Pan = r
	return nil
}

// Scale stages horizontal and vertical scale factors. Only scaling (HEO)
// planes accept it.
func (o *Overlay) Scale(x, y float64) error {
	if !o.plane.Info.CanScale {
		return &Error{Op: "scale", Plane: o.plane.Index(), Err: ErrScaleUnsupported}
	}
	if x <= 0 || y <= 0 {
		return &Error{Op: "scale", Plane: o.plane.Index(), Err: fmt.Errorf("invalid scale %gx%g", x, y)}
	}
	o.pending.ScaleX, o.pending.ScaleY = x, y
	return nil
}

// Apply commits the staged state with the buffer last presented.
func (o *Overlay) Apply() error {
	if o.closed {
		return &Error{Op: "apply", Plane: o.plane.Index(), Err: ErrClosed}
	}
	err := o.d.dev.Commit(o.plane.Index(), o.plane.Buffers[o.front], o.pending)
	o.d.obs.Committed(o.plane.Index(), err)
	if err != nil {
		return &Error{Op: "apply", Plane: o.plane.Index(), Err: err}
	}
	return nil
}

// Show makes the plane visible.
func (o *Overlay) Show() error {
	o.pending.Visible = true
	return o.Apply()
}

// Hide disables the plane without touching its buffers.
func (o *Overlay) Hide() error {
	o.pending.Visible = false
	return o.Apply()
}

// Close waits for the flip in progress, drops queued flips and releases
// the plane. It returns the number of dropped flips.
func (o *Overlay) Close() (int, error) {
	if o.closed {
		return 0, nil
	}
	o.closed = true
	dropped := o.queue.Close()
	return dropped, o.d.DeallocateOverlay(o.plane)
}
