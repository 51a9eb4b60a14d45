package kms

import (
	"errors"
	"image"
	"sync/atomic"
	"testing"

	"github.com/opd-ai/planecomp/internal/drm"
	"github.com/opd-ai/planecomp/internal/pixel"
	"github.com/opd-ai/planecomp/internal/simdev"
)

func newOverlay(t *testing.T, d *Display, size image.Point, hint Hint) *Overlay {
	t.Helper()
	o, err := NewOverlay(d, size, pixel.ARGB8888, hint)
	if err != nil {
		t.Fatalf("NewOverlay: %v", err)
	}
	t.Cleanup(func() { _, _ = o.Close() })
	return o
}

func TestOverlayResizeRemap(t *testing.T) {
	dev := simdev.New()
	d := openPrimary(t, dev, 3)
	o := newOverlay(t, d, image.Pt(100, 100), HintOverlay)

	if err := o.Resize(image.Pt(200, 150)); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if o.Size() != image.Pt(200, 150) {
		t.Errorf("Size() = %v, want 200x150", o.Size())
	}
	stride := pixel.ARGB8888.Stride(200)
	if got := len(o.Raw()); got != stride*150 {
		t.Errorf("len(Raw()) = %d, want %d", got, stride*150)
	}
	if o.Index() != 0 {
		t.Errorf("Index() = %d after resize, want 0", o.Index())
	}
	// Primary and overlay buffers only; the old overlay buffers are gone.
	if got := dev.LiveBuffers(); got != 6 {
		t.Errorf("LiveBuffers() = %d, want 6", got)
	}
}

func TestOverlayResizeFailureKeepsState(t *testing.T) {
	dev := simdev.New()
	d := openPrimary(t, dev, 2)
	o := newOverlay(t, d, image.Pt(100, 100), HintOverlay)
	raw := o.Raw()

	dev.FailAllocations(1)
	err := o.Resize(image.Pt(300, 300))
	if !errors.Is(err, ErrResize) || !errors.Is(err, simdev.ErrAllocFailed) {
		t.Fatalf("Resize err = %v, want ErrResize wrapping ErrAllocFailed", err)
	}
	if o.Size() != image.Pt(100, 100) {
		t.Errorf("Size() = %v after failed resize", o.Size())
	}
	if &o.Raw()[0] != &raw[0] {
		t.Error("buffers changed after failed resize")
	}
	if err := o.ScheduleFlip(); err != nil {
		t.Errorf("ScheduleFlip after failed resize: %v", err)
	}
}

// truncatingDevice hands out framebuffers too small for their size once
// truncate is set, so a screen cannot be built over them.
type truncatingDevice struct {
	*simdev.Device
	truncate atomic.Bool
}

func (d *truncatingDevice) AllocBuffers(plane int, size image.Point, format pixel.Format, count int) ([]*drm.Framebuffer, error) {
	fbs, err := d.Device.AllocBuffers(plane, size, format, count)
	if err == nil && d.truncate.Load() {
		for _, fb := range fbs {
			fb.Data = fb.Data[:1]
		}
	}
	return fbs, err
}

func TestOverlayResizeInitFailureKeepsBuffers(t *testing.T) {
	dev := &truncatingDevice{Device: simdev.New()}
	d, err := Open(dev, Config{Primary: true, Buffers: 2})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	o := newOverlay(t, d, image.Pt(100, 100), HintOverlay)
	raw := o.Raw()
	live := dev.LiveBuffers()

	dev.truncate.Store(true)
	if err := o.Resize(image.Pt(200, 200)); !errors.Is(err, ErrResize) {
		t.Fatalf("Resize err = %v, want ErrResize", err)
	}
	dev.truncate.Store(false)

	if o.Size() != image.Pt(100, 100) || o.Plane().Size != image.Pt(100, 100) {
		t.Errorf("size after failed resize: screen %v, plane %v", o.Size(), o.Plane().Size)
	}
	if &o.Raw()[0] != &raw[0] || len(o.Raw()) != len(raw) {
		t.Error("screen no longer uses the original buffers")
	}
	if got := dev.LiveBuffers(); got != live {
		t.Errorf("LiveBuffers() = %d, want %d: rejected buffers leaked or old ones freed", got, live)
	}
	for _, fb := range o.Plane().Buffers {
		if fb.Size != image.Pt(100, 100) {
			t.Errorf("plane buffer %d has size %v", fb.ID, fb.Size)
		}
	}
	if err := o.ScheduleFlip(); err != nil {
		t.Errorf("ScheduleFlip after failed resize: %v", err)
	}
}

func TestOverlayScaleAndPan(t *testing.T) {
	d := openPrimary(t, simdev.New(), 2)
	heo := newOverlay(t, d, image.Pt(64, 64), HintHEO)
	plain := newOverlay(t, d, image.Pt(64, 64), HintOverlay)

	if !heo.CanScale() || plain.CanScale() {
		t.Fatalf("CanScale heo=%v plain=%v", heo.CanScale(), plain.CanScale())
	}
	if err := heo.Scale(2, 1.5); err != nil {
		t.Errorf("Scale on HEO: %v", err)
	}
	if err := plain.Scale(2, 2); !errors.Is(err, ErrScaleUnsupported) {
		t.Errorf("Scale on overlay err = %v, want ErrScaleUnsupported", err)
	}
	if err := heo.Scale(0, 1); err == nil {
		t.Error("zero scale accepted")
	}

	tests := []struct {
		name string
		op   func() error
		ok   bool
	}{
		{"size inside", func() error { return plain.PanSize(image.Pt(32, 32)) }, true},
		{"pos inside", func() error { return plain.PanPos(image.Pt(16, 16)) }, true},
		{"pos outside", func() error { return plain.PanPos(image.Pt(40, 0)) }, false},
		{"size outside", func() error { return plain.PanSize(image.Pt(64, 64)) }, false},
	}
	for _, tt := range tests {
		err := tt.op()
		if tt.ok && err != nil {
			t.Errorf("%s: %v", tt.name, err)
		}
		if !tt.ok && !errors.Is(err, ErrPanOutOfRange) {
			t.Errorf("%s: err = %v, want ErrPanOutOfRange", tt.name, err)
		}
	}
	if got := plain.State().Pan; got != image.Rect(16, 16, 48, 48) {
		t.Errorf("Pan = %v", got)
	}
}

func TestOverlayStagesUntilApply(t *testing.T) {
	dev := simdev.New()
	d := openPrimary(t, dev, 2)
	o := newOverlay(t, d, image.Pt(32, 32), HintOverlay)
	idx := o.Plane().Index()

	o.Position(image.Pt(10, 20))
	o.Position(image.Pt(30, 40))
	if got := dev.Stats(idx).Commits; got != 0 {
		t.Fatalf("commits before Apply = %d", got)
	}
	if err := o.Apply(); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	s := dev.Stats(idx)
	if s.Commits != 1 || s.State.Position != image.Pt(30, 40) || !s.State.Visible {
		t.Errorf("Stats = %+v", s)
	}

	if err := o.Hide(); err != nil {
		t.Fatal(err)
	}
	if dev.Stats(idx).State.Visible {
		t.Error("plane visible after Hide")
	}
	if err := o.Show(); err != nil {
		t.Fatal(err)
	}
	if !dev.Stats(idx).State.Visible {
		t.Error("plane hidden after Show")
	}
}

func TestOverlayAsyncFlip(t *testing.T) {
	dev := simdev.New()
	d := openPrimary(t, dev, 3)
	o := newOverlay(t, d, image.Pt(16, 16), HintOverlay)
	o.SetAsync(true)

	for i := 0; i < 4; i++ {
		if err := o.ScheduleFlip(); err != nil {
			t.Fatalf("ScheduleFlip: %v", err)
		}
	}
	if o.Index() != 4%3 {
		t.Errorf("Index() = %d, want %d", o.Index(), 4%3)
	}
	s := dev.Stats(o.Plane().Index())
	if s.AsyncFlips != 4 || s.Flips != 4 {
		t.Errorf("Stats = %+v, want 4 async flips", s)
	}
	if o.queue.Len() != 0 {
		t.Error("async flips went through the queue")
	}
}

func TestOverlayQueuedFlipCycles(t *testing.T) {
	dev := simdev.New()
	d := openPrimary(t, dev, 2)
	o := newOverlay(t, d, image.Pt(16, 16), HintCursor)
	if o.BufferCount() != 1 || o.queue.Cap() != 1 {
		t.Fatalf("cursor buffers %d depth %d", o.BufferCount(), o.queue.Cap())
	}
	for k := 1; k <= 3; k++ {
		if err := o.ScheduleFlip(); err != nil {
			t.Fatalf("ScheduleFlip: %v", err)
		}
		if o.Index() != 0 {
			t.Fatalf("single buffer Index() = %d", o.Index())
		}
	}
	o.queue.Wait()
	if got := dev.Stats(o.Plane().Index()).Flips; got != 3 {
		t.Errorf("flips = %d, want 3", got)
	}
}

func TestOverlayClose(t *testing.T) {
	dev := simdev.New()
	d := openPrimary(t, dev, 2)
	o, err := NewOverlay(d, image.Pt(16, 16), pixel.RGB565, HintOverlay)
	if err != nil {
		t.Fatal(err)
	}
	key := o.Plane().Key()
	if _, err := o.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if d.Registry().InUse(key) {
		t.Error("plane still registered after Close")
	}
	if n, err := o.Close(); n != 0 || err != nil {
		t.Errorf("second Close = %d, %v", n, err)
	}
	if err := o.ScheduleFlip(); !errors.Is(err, ErrClosed) {
		t.Errorf("ScheduleFlip after Close err = %v", err)
	}
	if err := o.Resize(image.Pt(8, 8)); !errors.Is(err, ErrClosed) {
		t.Errorf("Resize after Close err = %v", err)
	}
}

func TestNewOverlaySoftwareHint(t *testing.T) {
	d := openPrimary(t, simdev.New(), 2)
	if _, err := NewOverlay(d, image.Pt(8, 8), pixel.RGB565, HintSoftware); !errors.Is(err, ErrNoPlane) {
		t.Errorf("err = %v, want ErrNoPlane", err)
	}
}
