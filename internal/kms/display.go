// Package kms maps windows onto display planes. Display owns the device,
// the primary plane and the registry of planes in use; Overlay drives one
// secondary plane; FlipQueue serializes flips for a plane on a worker
// goroutine.
package kms

import (
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/opd-ai/planecomp/internal/drm"
	"github.com/opd-ai/planecomp/internal/pixel"
	"github.com/opd-ai/planecomp/internal/screen"
)

// Hint states which kind of plane a caller wants.
type Hint int

const (
	// HintSoftware asks for no hardware plane.
	HintSoftware Hint = iota
	// HintOverlay asks for any overlay plane.
	HintOverlay
	// HintHEO asks for a scaling overlay plane.
	HintHEO
	// HintCursor asks for a cursor plane.
	HintCursor
)

var hintNames = map[Hint]string{
	HintSoftware: "software",
	HintOverlay:  "overlay",
	HintHEO:      "heo",
	HintCursor:   "cursor",
}

func (h Hint) String() string {
	if s, ok := hintNames[h]; ok {
		return s
	}
	return fmt.Sprintf("Hint(%d)", int(h))
}

// ParseHint parses a hint name. "heo_overlay" and "cursor_overlay" are
// accepted as aliases.
func ParseHint(s string) (Hint, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, "_overlay")
	for h, name := range hintNames {
		if name == s {
			return h, nil
		}
	}
	return HintSoftware, fmt.Errorf("kms: unknown plane hint %q", s)
}

// Plane is an allocated hardware plane and its framebuffers.
type Plane struct {
	Info    drm.PlaneInfo
	Size    image.Point
	Format  pixel.Format
	Buffers []*drm.Framebuffer

	released atomic.Bool
}

// Index returns the device plane index.
func (p *Plane) Index() int { return p.Info.Index }

// Type returns the plane class.
func (p *Plane) Type() drm.PlaneType { return p.Info.Type }

// Key returns the registry key of the plane.
func (p *Plane) Key() PlaneKey { return PlaneKey{Index: p.Info.Index, Type: p.Info.Type} }

func (p *Plane) screenBuffers() []screen.Buffer {
	out := make([]screen.Buffer, len(p.Buffers))
	for i, fb := range p.Buffers {
		out[i] = screen.Buffer{Data: fb.Data, Stride: fb.Stride}
	}
	return out
}

// Config configures Open.
type Config struct {
	// Primary creates the primary plane and its screen.
	Primary bool
	// Buffers per plane; 0 means MaxBuffers().
	Buffers int
	// Format of the primary plane; Invalid means XRGB8888.
	Format pixel.Format
	// Logger receives diagnostics.
	Logger Logger
	// Observer receives plane and flip events.
	Observer Observer
	// OnError receives failures that happen off the caller's goroutine,
	// such as flips executed by a worker.
	OnError func(error)
}

// Display is the display controller: the primary plane screen, the plane
// allocator and its registry. Windows reach the allocator through the
// Display they are given.
type Display struct {
	screen.Screen

	dev      drm.Device
	planes   []drm.PlaneInfo
	registry *Registry
	size     image.Point
	buffers  int

	log     Logger
	obs     Observer
	onError func(error)

	primary *Plane
	queue   *FlipQueue

	mu     sync.Mutex
	closed bool
}

// Open takes ownership of dev. With cfg.Primary the primary plane is
// allocated, committed and used as the display screen; otherwise only the
// display size is recorded.
func Open(dev drm.Device, cfg Config) (*Display, error) {
	if dev == nil {
		return nil, &Error{Op: "open", Plane: -1, Err: ErrDeviceOpen}
	}
	d := &Display{
		dev:      dev,
		planes:   dev.Planes(),
		registry: NewRegistry(),
		size:     dev.DisplaySize(),
		buffers:  cfg.Buffers,
		log:      cfg.Logger,
		obs:      cfg.Observer,
		onError:  cfg.OnError,
	}
	if d.log == nil {
		d.log = nopLogger{}
	}
	if d.obs == nil {
		d.obs = nopObserver{}
	}
	if d.buffers <= 0 {
		n, err := maxBuffers()
		if err != nil {
			d.log.Warn("ignoring buffer override", "error", err, "buffers", n)
		}
		d.buffers = n
	}
	d.log.Debug("display opened", "size", d.size, "planes", len(d.planes), "buffers", d.buffers)

	if !cfg.Primary {
		return d, nil
	}
	format := cfg.Format
	if format == pixel.Invalid {
		format = pixel.XRGB8888
	}
	if err := d.openPrimary(format); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Display) openPrimary(format pixel.Format) error {
	var info *drm.PlaneInfo
	for i := range d.planes {
		if d.planes[i].Type == drm.PlanePrimary {
			info = &d.planes[i]
			break
		}
	}
	if info == nil {
		return &Error{Op: "open", Plane: -1, Err: fmt.Errorf("%w: device has no primary plane", ErrPrimaryPlane)}
	}
	p, err := d.claim(*info, d.size, format, d.buffers)
	if err != nil {
		return &Error{Op: "open", Plane: info.Index, Err: fmt.Errorf("%w: %w", ErrPrimaryPlane, err)}
	}
	err = d.dev.Commit(p.Index(), p.Buffers[0], drm.PlaneState{Visible: true})
	d.obs.Committed(p.Index(), err)
	if err == nil {
		err = d.Init(p.screenBuffers(), p.Size, p.Format)
	}
	if err != nil {
		d.release(p)
		return &Error{Op: "open", Plane: p.Index(), Err: fmt.Errorf("%w: %w", ErrPrimaryPlane, err)}
	}
	d.primary = p
	d.SetScheduler(d)
	if len(p.Buffers) > 1 {
		d.queue = d.newQueue(len(p.Buffers) - 1)
	}
	return nil
}

func (d *Display) newQueue(depth int) *FlipQueue {
	return NewFlipQueue(d.dev, depth,
		WithQueueLogger(d.log),
		WithQueueObserver(d.obs),
		WithFlipErrorHandler(d.onError),
	)
}

// Device returns the display device.
func (d *Display) Device() drm.Device { return d.dev }

// DisplaySize returns the physical display resolution.
func (d *Display) DisplaySize() image.Point { return d.size }

// Registry returns the registry of planes in use.
func (d *Display) Registry() *Registry { return d.registry }

// Planes returns the device plane list.
func (d *Display) Planes() []drm.PlaneInfo {
	return append([]drm.PlaneInfo(nil), d.planes...)
}

// PlaneBuffers returns the buffer count used for overlay planes.
func (d *Display) PlaneBuffers() int { return d.buffers }

// Primary returns the primary plane, nil when the display was opened
// without one.
func (d *Display) Primary() *Plane { return d.primary }

// CountPlanes returns the number of device planes of type t.
func (d *Display) CountPlanes(t drm.PlaneType) int {
	return drm.CountPlanes(d.dev, t)
}

// ScheduleFlip queues the current primary buffer for scanout and advances
// the index. Single-buffered and non-primary displays do nothing.
func (d *Display) ScheduleFlip() error {
	if d.primary == nil || d.queue == nil {
		return nil
	}
	i := d.Index()
	job := FlipJob{Plane: d.primary.Index(), Buffer: d.primary.Buffers[i], Index: i}
	if err := d.queue.Enqueue(job); err != nil {
		return &Error{Op: "schedule flip", Plane: job.Plane, Err: err}
	}
	d.SetIndex(i + 1)
	return nil
}

// AllocateOverlay finds and claims a plane for a surface. HintSoftware
// returns a nil plane and no error.
//
// Cursor requests search cursor planes in ascending order with a single
// buffer and fall back to overlays. Overlay requests search overlay planes
// from the highest index down, skipping planes in use and planes that
// cannot scan out format; HEO requests try scaling planes first. If that
// fails every free overlay plane is tried regardless of format.
func (d *Display) AllocateOverlay(size image.Point, format pixel.Format, hint Hint) (*Plane, error) {
	if hint == HintSoftware {
		return nil, nil
	}
	if d.isClosed() {
		return nil, &Error{Op: "allocate", Plane: -1, Err: ErrClosed}
	}

	var lastErr error
	try := func(t drm.PlaneType, ascending bool, accept func(drm.PlaneInfo) bool, count int) *Plane {
		for n := 0; n < len(d.planes); n++ {
			i := n
			if !ascending {
				i = len(d.planes) - 1 - n
			}
			info := d.planes[i]
			if info.Type != t || !accept(info) {
				continue
			}
			p, err := d.claim(info, size, format, count)
			if err != nil {
				if !errors.Is(err, errPlaneBusy) {
					lastErr = err
				}
				continue
			}
			return p
		}
		return nil
	}
	supported := func(info drm.PlaneInfo) bool { return info.Supports(format) }

	var p *Plane
	switch hint {
	case HintCursor:
		p = try(drm.PlaneCursor, true, supported, 1)
	case HintHEO:
		p = try(drm.PlaneOverlay, false, func(info drm.PlaneInfo) bool {
			return info.CanScale && info.Supports(format)
		}, d.buffers)
	}
	if p == nil {
		p = try(drm.PlaneOverlay, false, supported, d.buffers)
	}
	if p == nil {
		// Planes that do not list the format; the device has the last word.
		p = try(drm.PlaneOverlay, false, func(info drm.PlaneInfo) bool {
			return !info.Supports(format)
		}, d.buffers)
	}
	if p == nil {
		err := fmt.Errorf("%w: %s %v %s", ErrNoPlane, hint, size, format)
		if lastErr != nil {
			err = fmt.Errorf("%w: %w", err, lastErr)
		}
		d.obs.AllocationFailed(hint, err)
		return nil, &Error{Op: "allocate", Plane: -1, Err: err}
	}
	d.log.Debug("plane allocated", "plane", p.Index(), "type", p.Type(), "hint", hint, "size", size, "format", format)
	return p, nil
}

var errPlaneBusy = errors.New("plane in use")

// claim registers info and allocates its buffers, releasing the claim if
// allocation fails.
func (d *Display) claim(info drm.PlaneInfo, size image.Point, format pixel.Format, count int) (*Plane, error) {
	key := PlaneKey{Index: info.Index, Type: info.Type}
	if !d.registry.Register(key) {
		return nil, errPlaneBusy
	}
	fbs, err := d.dev.AllocBuffers(info.Index, size, format, count)
	if err != nil {
		d.registry.Unregister(key)
		return nil, err
	}
	d.obs.PlaneAllocated(info.Index, info.Type)
	return &Plane{Info: info, Size: size, Format: format, Buffers: fbs}, nil
}

// DeallocateOverlay disables the plane, releases its registry entry and
// frees its buffers. A nil plane or a plane already released is ignored.
func (d *Display) DeallocateOverlay(p *Plane) error {
	if p == nil {
		return nil
	}
	return d.release(p)
}

func (d *Display) release(p *Plane) error {
	if !p.released.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	if p.Type() != drm.PlanePrimary {
		if err := d.dev.Commit(p.Index(), nil, drm.PlaneState{}); err != nil {
			errs = append(errs, err)
		}
	}
	if err := d.dev.FreeBuffers(p.Buffers); err != nil {
		errs = append(errs, err)
	}
	p.Buffers = nil
	d.registry.Unregister(p.Key())
	d.log.Debug("plane released", "plane", p.Index(), "type", p.Type())
	if err := errors.Join(errs...); err != nil {
		return &Error{Op: "deallocate", Plane: p.Index(), Err: err}
	}
	return nil
}

// reallocate replaces the buffers of p with new ones of the given size and
// returns the replaced buffers, which the caller frees once nothing refers
// to them. On failure p is unchanged.
func (d *Display) reallocate(p *Plane, size image.Point) (old []*drm.Framebuffer, oldSize image.Point, err error) {
	if p.released.Load() {
		return nil, image.Point{}, ErrClosed
	}
	fbs, err := d.dev.AllocBuffers(p.Index(), size, p.Format, len(p.Buffers))
	if err != nil {
		return nil, image.Point{}, err
	}
	old, oldSize = p.Buffers, p.Size
	p.Buffers = fbs
	p.Size = size
	return old, oldSize, nil
}

// freeBuffers releases buffers a plane no longer scans out.
func (d *Display) freeBuffers(p *Plane, fbs []*drm.Framebuffer) {
	if err := d.dev.FreeBuffers(fbs); err != nil {
		d.log.Warn("freeing replaced buffers", "plane", p.Index(), "error", err)
	}
}

func (d *Display) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Close stops the primary flip queue, releases the primary plane and
// closes the device. Overlays must be closed first.
func (d *Display) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	if d.queue != nil {
		d.queue.Close()
	}
	var errs []error
	if d.primary != nil {
		if err := d.release(d.primary); err != nil {
			errs = append(errs, err)
		}
	}
	if keys := d.registry.Keys(); len(keys) > 0 {
		d.log.Warn("closing display with planes in use", "planes", keys)
	}
	if err := d.dev.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
