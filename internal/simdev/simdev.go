// Package simdev implements drm.Device in memory. It models a display
// controller with a fixed plane layout and is used by tests, the preview
// window and machines without a DRM device.
package simdev

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/opd-ai/planecomp/internal/drm"
	"github.com/opd-ai/planecomp/internal/pixel"
)

var (
	// ErrAllocFailed is returned by AllocBuffers while failures are injected.
	ErrAllocFailed = errors.New("simdev: allocation failed")
	// ErrUnknownBuffer is returned when a framebuffer was not allocated on
	// the plane it is used with.
	ErrUnknownBuffer = errors.New("simdev: unknown framebuffer")
)

// DefaultSize is the display resolution of a Device built without WithSize.
var DefaultSize = image.Pt(800, 480)

var (
	rgbFormats = []pixel.Format{pixel.RGB565, pixel.ARGB8888, pixel.XRGB8888}
	heoFormats = append(append([]pixel.Format{}, rgbFormats...), pixel.YUYV, pixel.NV21, pixel.YUV420)
)

// DefaultLayout mirrors an HLCDC controller: one primary plane, two
// overlays, one scaling HEO overlay and one cursor plane.
func DefaultLayout() []drm.PlaneInfo {
	return []drm.PlaneInfo{
		{Index: 0, ID: 30, Type: drm.PlanePrimary, Formats: rgbFormats},
		{Index: 1, ID: 31, Type: drm.PlaneOverlay, Formats: rgbFormats},
		{Index: 2, ID: 32, Type: drm.PlaneOverlay, Formats: rgbFormats},
		{Index: 3, ID: 33, Type: drm.PlaneOverlay, Formats: heoFormats, CanScale: true},
		{Index: 4, ID: 34, Type: drm.PlaneCursor, Formats: rgbFormats},
	}
}

// Option configures a Device.
type Option func(*Device)

// WithLayout replaces the plane layout. Plane indices are renumbered to
// match slice order.
func WithLayout(planes []drm.PlaneInfo) Option {
	return func(d *Device) {
		d.planes = make([]drm.PlaneInfo, len(planes))
		for i, p := range planes {
			p.Index = i
			d.planes[i] = p
		}
	}
}

// WithSize sets the display resolution.
func WithSize(size image.Point) Option {
	return func(d *Device) { d.size = size }
}

// WithFlipDelay makes every synchronous flip take at least delay, standing
// in for the wait on vblank.
func WithFlipDelay(delay time.Duration) Option {
	return func(d *Device) { d.flipDelay = delay }
}

// WithFlipGate makes every synchronous flip wait for a value on gate.
func WithFlipGate(gate <-chan struct{}) Option {
	return func(d *Device) { d.gate = gate }
}

type planeRecord struct {
	fb      *drm.Framebuffer
	state   drm.PlaneState
	commits int
	flips   int
	async   int
}

// Device is an in-memory drm.Device. It is safe for concurrent use.
type Device struct {
	planes    []drm.PlaneInfo
	size      image.Point
	flipDelay time.Duration
	gate      <-chan struct{}

	mu         sync.Mutex
	nextID     uint32
	owner      map[uint32]int // framebuffer id -> plane
	records    []planeRecord
	failAllocs int
	inflight   int
	closed     bool
}

// New creates a Device with DefaultLayout unless overridden.
func New(opts ...Option) *Device {
	d := &Device{
		size:   DefaultSize,
		nextID: 100,
		owner:  make(map[uint32]int),
	}
	WithLayout(DefaultLayout())(d)
	for _, opt := range opts {
		opt(d)
	}
	d.records = make([]planeRecord, len(d.planes))
	return d
}

// Planes returns a copy of the plane layout.
func (d *Device) Planes() []drm.PlaneInfo {
	out := make([]drm.PlaneInfo, len(d.planes))
	copy(out, d.planes)
	return out
}

// DisplaySize returns the simulated mode resolution.
func (d *Device) DisplaySize() image.Point { return d.size }

// FailAllocations makes the next n AllocBuffers calls fail with
// ErrAllocFailed.
func (d *Device) FailAllocations(n int) {
	d.mu.Lock()
	d.failAllocs = n
	d.mu.Unlock()
}

func (d *Device) checkPlane(plane int) error {
	if plane < 0 || plane >= len(d.planes) {
		return fmt.Errorf("%w: %d", drm.ErrInvalidPlane, plane)
	}
	return nil
}

// AllocBuffers allocates count heap framebuffers for a plane.
func (d *Device) AllocBuffers(plane int, size image.Point, format pixel.Format, count int) ([]*drm.Framebuffer, error) {
	if err := d.checkPlane(plane); err != nil {
		return nil, err
	}
	if !d.planes[plane].Supports(format) {
		return nil, fmt.Errorf("%w: %s on plane %d", drm.ErrFormat, format, plane)
	}
	if size.X <= 0 || size.Y <= 0 || count < 1 {
		return nil, fmt.Errorf("simdev: invalid allocation %v x%d", size, count)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, drm.ErrClosed
	}
	if d.failAllocs > 0 {
		d.failAllocs--
		return nil, ErrAllocFailed
	}
	stride := format.Stride(size.X)
	fbs := make([]*drm.Framebuffer, count)
	for i := range fbs {
		d.nextID++
		fbs[i] = &drm.Framebuffer{
			ID:     d.nextID,
			Handle: d.nextID,
			Data:   make([]byte, format.BufferLen(stride, size.Y)),
			Stride: stride,
			Size:   size,
			Format: format,
		}
		d.owner[d.nextID] = plane
	}
	return fbs, nil
}

// FreeBuffers forgets the framebuffers. Freeing the buffer a plane scans
// out disables that plane.
func (d *Device) FreeBuffers(fbs []*drm.Framebuffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, fb := range fbs {
		if fb == nil {
			continue
		}
		plane, ok := d.owner[fb.ID]
		if !ok {
			return fmt.Errorf("%w: %d", ErrUnknownBuffer, fb.ID)
		}
		delete(d.owner, fb.ID)
		if d.records[plane].fb == fb {
			d.records[plane].fb = nil
			d.records[plane].state.Visible = false
		}
	}
	return nil
}

func (d *Device) checkBuffer(plane int, fb *drm.Framebuffer) error {
	if fb == nil {
		return nil
	}
	if p, ok := d.owner[fb.ID]; !ok || p != plane {
		return fmt.Errorf("%w: %d on plane %d", ErrUnknownBuffer, fb.ID, plane)
	}
	return nil
}

// Commit records geometry and the scanned-out buffer.
func (d *Device) Commit(plane int, fb *drm.Framebuffer, state drm.PlaneState) error {
	if err := d.checkPlane(plane); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return drm.ErrClosed
	}
	if err := d.checkBuffer(plane, fb); err != nil {
		return err
	}
	r := &d.records[plane]
	r.commits++
	r.state = state
	if fb != nil {
		r.fb = fb
	}
	return nil
}

// Flip swaps the scanned-out buffer. Synchronous flips honour the gate and
// delay options; async flips return immediately.
func (d *Device) Flip(plane int, fb *drm.Framebuffer, async bool) error {
	if err := d.checkPlane(plane); err != nil {
		return err
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return drm.ErrClosed
	}
	if err := d.checkBuffer(plane, fb); err != nil {
		d.mu.Unlock()
		return err
	}
	d.inflight++
	d.mu.Unlock()

	if !async {
		if d.gate != nil {
			<-d.gate
		}
		if d.flipDelay > 0 {
			time.Sleep(d.flipDelay)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.inflight--
	r := &d.records[plane]
	r.fb = fb
	r.flips++
	if async {
		r.async++
	}
	return nil
}

// Close marks the device closed. Later calls fail with drm.ErrClosed.
func (d *Device) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func (d *Device) String() string {
	return fmt.Sprintf("simdev (%dx%d, %d planes)", d.size.X, d.size.Y, len(d.planes))
}

// Stats is the per-plane activity of a Device.
type Stats struct {
	Commits    int
	Flips      int
	AsyncFlips int
	State      drm.PlaneState
	Scanout    *drm.Framebuffer
}

// Stats returns the counters of one plane.
func (d *Device) Stats(plane int) Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	if plane < 0 || plane >= len(d.records) {
		return Stats{}
	}
	r := d.records[plane]
	return Stats{Commits: r.commits, Flips: r.flips, AsyncFlips: r.async, State: r.state, Scanout: r.fb}
}

// InFlight returns the number of flips currently executing.
func (d *Device) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inflight
}

// LiveBuffers returns the number of framebuffers not yet freed.
func (d *Device) LiveBuffers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.owner)
}

// Layer is one visible plane in a Snapshot.
type Layer struct {
	Plane drm.PlaneInfo
	State drm.PlaneState
	Image image.Image
}

// Snapshot returns the visible planes bottom to top: primary, overlays in
// index order, then cursors. Pixel data is copied.
func (d *Device) Snapshot() []Layer {
	d.mu.Lock()
	defer d.mu.Unlock()

	var layers []Layer
	for _, want := range []drm.PlaneType{drm.PlanePrimary, drm.PlaneOverlay, drm.PlaneCursor} {
		for i, p := range d.planes {
			r := d.records[i]
			if p.Type != want || r.fb == nil {
				continue
			}
			if !r.state.Visible && p.Type != drm.PlanePrimary {
				continue
			}
			data := append([]byte(nil), r.fb.Data...)
			img, err := pixel.Decode(data, r.fb.Stride, r.fb.Size, r.fb.Format)
			if err != nil {
				continue
			}
			layers = append(layers, Layer{Plane: p, State: r.state, Image: img})
		}
	}
	return layers
}

var _ drm.Device = (*Device)(nil)
