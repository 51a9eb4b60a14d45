// Package window decides, per window, between a dedicated hardware plane
// and software composition into the parent frame, and defers plane
// geometry updates to one commit per draw cycle.
package window

import (
	"errors"
	"fmt"
	"image"
	"image/draw"

	xdraw "golang.org/x/image/draw"

	"github.com/opd-ai/planecomp/internal/kms"
	"github.com/opd-ai/planecomp/internal/pixel"
	"github.com/opd-ai/planecomp/internal/screen"
)

var (
	// ErrClosed is returned by operations on a closed window.
	ErrClosed = errors.New("window: closed")
	// ErrNotAllocated is returned when a window has no backing screen.
	ErrNotAllocated = errors.New("window: no screen allocated")
)

// State is the allocation state of a window.
type State int

const (
	Unallocated State = iota
	Clean
	Dirty
	Closed
)

func (s State) String() string {
	switch s {
	case Unallocated:
		return "unallocated"
	case Clean:
		return "clean"
	case Dirty:
		return "dirty"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Option configures a PlaneWindow.
type Option func(*PlaneWindow)

// WithSoftwareFallback composites the window in software when no plane
// is free instead of failing allocation.
func WithSoftwareFallback() Option {
	return func(w *PlaneWindow) { w.fallback = true }
}

// WithLogger sets the window logger.
func WithLogger(l kms.Logger) Option {
	return func(w *PlaneWindow) {
		if l != nil {
			w.log = l
		}
	}
}

// WithName names the window in logs.
func WithName(name string) Option {
	return func(w *PlaneWindow) { w.name = name }
}

// Hidden creates the window hidden.
func Hidden() Option {
	return func(w *PlaneWindow) { w.visible = false }
}

// PlaneWindow is the backing store policy of one window. It is driven
// from the render goroutine.
type PlaneWindow struct {
	name     string
	frame    *Frame
	display  *kms.Display
	box      image.Rectangle
	painted  image.Rectangle
	format   pixel.Format
	hint     kms.Hint
	fallback bool
	log      kms.Logger

	visible bool
	dirty   bool
	closed  bool
	scaleX  float64
	scaleY  float64

	// scaleWarned is set once an unscalable plane ignored the scale.
	scaleWarned bool

	overlay *kms.Overlay
	mem     *screen.Screen
}

// New creates an unallocated window. box is in frame coordinates.
func New(frame *Frame, display *kms.Display, box image.Rectangle, format pixel.Format, hint kms.Hint, opts ...Option) *PlaneWindow {
	w := &PlaneWindow{
		frame:   frame,
		display: display,
		box:     box.Canon(),
		format:  format,
		hint:    hint,
		log:     nopLogger{},
		visible: true,
		dirty:   true,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Name returns the window name.
func (w *PlaneWindow) Name() string { return w.name }

// Box returns the window rectangle in frame coordinates.
func (w *PlaneWindow) Box() image.Rectangle { return w.box }

// Visible reports whether the window is shown.
func (w *PlaneWindow) Visible() bool { return w.visible }

// Format returns the pixel format of the backing screen.
func (w *PlaneWindow) Format() pixel.Format { return w.format }

// Hint returns the requested plane hint.
func (w *PlaneWindow) Hint() kms.Hint { return w.hint }

// State returns the allocation state.
func (w *PlaneWindow) State() State {
	switch {
	case w.closed:
		return Closed
	case w.overlay == nil && w.mem == nil:
		return Unallocated
	case w.dirty:
		return Dirty
	default:
		return Clean
	}
}

// HardwarePlane returns the overlay backing the window, if any.
func (w *PlaneWindow) HardwarePlane() (*kms.Overlay, bool) {
	return w.overlay, w.overlay != nil
}

// Screen returns the backing screen, nil while unallocated.
func (w *PlaneWindow) Screen() *screen.Screen {
	switch {
	case w.overlay != nil:
		return &w.overlay.Screen
	case w.mem != nil:
		return w.mem
	}
	return nil
}

// AllocateScreen creates the backing screen. It does nothing when the
// window already has one or its box is empty.
func (w *PlaneWindow) AllocateScreen() error {
	if w.closed {
		return ErrClosed
	}
	if w.overlay != nil || w.mem != nil || w.box.Empty() {
		return nil
	}
	size := w.box.Size()
	if w.hint != kms.HintSoftware {
		o, err := kms.NewOverlay(w.display, size, w.format, w.hint)
		if err == nil {
			w.overlay = o
			w.dirty = true
			w.log.Debug("window on plane", "window", w.name, "plane", o.Plane().Index(), "type", o.Plane().Type())
			return nil
		}
		if !w.fallback || !errors.Is(err, kms.ErrNoPlane) {
			return fmt.Errorf("window %q: %w", w.name, err)
		}
		w.log.Warn("no plane available, compositing in software", "window", w.name, "hint", w.hint)
	}
	mem, err := screen.NewMemory(size, w.format, 1)
	if err != nil {
		return fmt.Errorf("window %q: %w", w.name, err)
	}
	w.mem = mem
	w.dirty = true
	return nil
}

// Move places the window at p. The plane is updated by BeginDraw.
func (w *PlaneWindow) Move(p image.Point) {
	if w.closed || p == w.box.Min {
		return
	}
	w.box = w.box.Add(p.Sub(w.box.Min))
	w.dirty = true
}

// Resize changes the window size, reallocating the backing screen. On
// failure the window keeps its previous size.
func (w *PlaneWindow) Resize(size image.Point) error {
	if w.closed {
		return ErrClosed
	}
	if size == w.box.Size() {
		return nil
	}
	box := image.Rectangle{Min: w.box.Min, Max: w.box.Min.Add(size)}
	switch {
	case w.overlay != nil:
		if err := w.overlay.Resize(size); err != nil {
			return fmt.Errorf("window %q: %w", w.name, err)
		}
	case w.mem != nil:
		mem, err := screen.NewMemory(size, w.format, 1)
		if err != nil {
			return fmt.Errorf("window %q: %w", w.name, err)
		}
		w.mem = mem
	}
	w.box = box
	w.dirty = true
	return nil
}

// SetScale stages hardware scale factors for HEO planes. On planes that
// cannot scale the window is shown unscaled.
func (w *PlaneWindow) SetScale(x, y float64) {
	if x == w.scaleX && y == w.scaleY {
		return
	}
	w.scaleX, w.scaleY = x, y
	w.scaleWarned = false
	w.dirty = true
}

// BeginDraw applies deferred geometry. Only visible dirty windows commit,
// so any number of Move and Resize calls cost one plane commit.
func (w *PlaneWindow) BeginDraw() error {
	if w.closed {
		return ErrClosed
	}
	if !w.visible || !w.dirty {
		return nil
	}
	if err := w.AllocateScreen(); err != nil {
		return err
	}
	switch {
	case w.overlay != nil:
		w.overlay.Position(w.box.Min)
		if w.scaleX > 0 && w.scaleY > 0 {
			if w.overlay.CanScale() {
				if err := w.overlay.Scale(w.scaleX, w.scaleY); err != nil {
					return fmt.Errorf("window %q: %w", w.name, err)
				}
			} else if !w.scaleWarned {
				w.scaleWarned = true
				w.log.Warn("plane cannot scale, showing window unscaled",
					"window", w.name, "plane", w.overlay.Plane().Index(), "scale_x", w.scaleX, "scale_y", w.scaleY)
			}
		}
		if err := w.overlay.Apply(); err != nil {
			return fmt.Errorf("window %q: %w", w.name, err)
		}
	case w.mem != nil:
		w.frame.Damage(w.painted)
		w.frame.Damage(w.box)
		w.painted = w.box
	default:
		// Empty box: nothing to place yet.
		return nil
	}
	w.dirty = false
	return nil
}

// Damage marks r, in window coordinates, as changed. Hardware windows
// keep damage to their own plane; software windows forward it to the
// frame.
func (w *PlaneWindow) Damage(r image.Rectangle) {
	if w.closed || !w.visible {
		return
	}
	r = r.Intersect(image.Rectangle{Max: w.box.Size()})
	if r.Empty() {
		return
	}
	s := w.Screen()
	if s == nil {
		return
	}
	s.Damage(r)
	if w.overlay == nil {
		w.frame.Damage(r.Add(w.box.Min))
	}
}

// Flip damages the given window rectangles and flips the backing screen.
func (w *PlaneWindow) Flip(damage ...image.Rectangle) error {
	if w.closed {
		return ErrClosed
	}
	s := w.Screen()
	if s == nil {
		return ErrNotAllocated
	}
	for _, r := range damage {
		w.Damage(r)
	}
	if err := s.Flip(); err != nil {
		return fmt.Errorf("window %q: %w", w.name, err)
	}
	return nil
}

// Paint draws a snapshot of the window content into dst at the window
// box. The content is first copied out of the live surface.
func (w *PlaneWindow) Paint(dst draw.Image) error {
	if w.closed {
		return ErrClosed
	}
	s := w.Screen()
	if s == nil {
		return ErrNotAllocated
	}
	var src image.Image
	if ctx := s.Context(); ctx != nil {
		src = ctx
	} else {
		img, err := pixel.Decode(s.Raw(), s.Buffer().Stride, s.Size(), s.Format())
		if err != nil {
			return fmt.Errorf("window %q: %w", w.name, err)
		}
		src = img
	}

	snapshot := image.NewRGBA(src.Bounds())
	xdraw.Copy(snapshot, image.Point{}, src, src.Bounds(), xdraw.Src, nil)

	target := w.box
	if o, ok := w.HardwarePlane(); ok {
		target = o.State().Destination(s.Size())
		sr := o.State().Source(s.Size())
		xdraw.ApproxBiLinear.Scale(dst, target, snapshot, sr, xdraw.Over, nil)
		return nil
	}
	xdraw.Draw(dst, target, snapshot, image.Point{}, xdraw.Over)
	return nil
}

// Show makes the window visible and forces the next BeginDraw to commit.
func (w *PlaneWindow) Show() error {
	if w.closed {
		return ErrClosed
	}
	w.visible = true
	w.dirty = true
	if w.overlay != nil {
		return w.overlay.Show()
	}
	return nil
}

// Hide hides the window.
func (w *PlaneWindow) Hide() error {
	if w.closed {
		return ErrClosed
	}
	if !w.visible {
		return nil
	}
	w.visible = false
	if w.overlay != nil {
		return w.overlay.Hide()
	}
	w.frame.Damage(w.painted)
	w.painted = image.Rectangle{}
	return nil
}

// Close releases the plane and empties the box. Later calls do nothing.
func (w *PlaneWindow) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	var err error
	if w.overlay != nil {
		var dropped int
		dropped, err = w.overlay.Close()
		if dropped > 0 {
			w.log.Debug("window closed with queued flips", "window", w.name, "dropped", dropped)
		}
		w.overlay = nil
	}
	if w.mem != nil {
		w.frame.Damage(w.painted)
		w.mem = nil
	}
	w.box = image.Rectangle{}
	w.painted = image.Rectangle{}
	return err
}
