package planecomp

import (
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/planecomp/internal/config"
	"github.com/opd-ai/planecomp/internal/drm"
	"github.com/opd-ai/planecomp/internal/kms"
	"github.com/opd-ai/planecomp/internal/pixel"
	"github.com/opd-ai/planecomp/internal/simdev"
)

const twoWindows = `
planecomp.config = {
	device = "sim",
	display_width = 320,
	display_height = 240,
	buffers = 2,
	background = "000000",
}
planecomp.windows = {
	{ name = "status", x = 0, y = 0, width = 100, height = 40, color = "ff0000" },
	{ name = "clock", x = 200, y = 0, width = 100, height = 40, color = "00ff00" },
}
`

// harness keeps the simulated device a test compositor opened.
type harness struct {
	mu  sync.Mutex
	sim *simdev.Device
}

func (h *harness) device() *simdev.Device {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sim
}

func (h *harness) options(extra ...func(*simdev.Device)) *Options {
	return &Options{
		Headless:       true,
		UpdateInterval: time.Hour, // frames are driven by the test
		Metrics:        NewMetrics(),
		ErrorTracker:   NewErrorTracker(DefaultErrorTrackerConfig()),
		OpenDevice: func(dc config.DeviceConfig) (drm.Device, error) {
			d := simdev.New(simdev.WithSize(image.Pt(dc.Width, dc.Height)))
			for _, fn := range extra {
				fn(d)
			}
			h.mu.Lock()
			h.sim = d
			h.mu.Unlock()
			return d, nil
		},
	}
}

func startFromString(t *testing.T, lua string, h *harness, extra ...func(*simdev.Device)) *compositorImpl {
	t.Helper()
	c, err := NewFromReader(strings.NewReader(lua), h.options(extra...))
	if err != nil {
		t.Fatalf("NewFromReader() error = %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { c.Stop() })
	return c.(*compositorImpl)
}

func TestEventTypeString(t *testing.T) {
	tests := []struct {
		eventType EventType
		expected  string
	}{
		{EventStarted, "started"},
		{EventStopped, "stopped"},
		{EventRestarted, "restarted"},
		{EventConfigReloaded, "config_reloaded"},
		{EventError, "error"},
		{EventWindowAdded, "window_added"},
		{EventWindowRemoved, "window_removed"},
		{EventType(100), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.eventType.String(); got != tt.expected {
				t.Errorf("EventType.String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	if opts.UpdateInterval != 0 {
		t.Errorf("UpdateInterval = %v, want 0", opts.UpdateInterval)
	}
	if opts.Headless {
		t.Error("Headless = true, want false")
	}
	if opts.AllocationRetry != DefaultAllocationRetry {
		t.Errorf("AllocationRetry = %v, want %v", opts.AllocationRetry, DefaultAllocationRetry)
	}
}

func TestNewWithInvalidPath(t *testing.T) {
	if _, err := New("/nonexistent/path/planecomp.lua", nil); err == nil {
		t.Error("expected error for nonexistent file, got nil")
	}
}

func TestNewFromReaderInvalidConfig(t *testing.T) {
	lua := `planecomp.windows = { { name = "empty" } }`
	_, err := NewFromReader(strings.NewReader(lua), &Options{Headless: true})
	if err == nil {
		t.Fatal("expected validation error for a window without size")
	}
	var ve config.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error %v does not carry a ValidationError", err)
	}
	if Categorize(err) != ErrorCategoryConfig {
		t.Errorf("Categorize() = %v, want config", Categorize(err))
	}
}

func TestCompositorStartStop(t *testing.T) {
	h := &harness{}
	c := startFromString(t, twoWindows, h)

	if !c.IsRunning() {
		t.Fatal("IsRunning() = false after Start")
	}
	if err := c.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start() error = %v, want ErrAlreadyRunning", err)
	}

	st := c.Status()
	if st.DisplaySize != image.Pt(320, 240) {
		t.Errorf("DisplaySize = %v, want 320x240", st.DisplaySize)
	}
	if st.PlanesInUse != 3 {
		t.Errorf("PlanesInUse = %d, want 3 (primary and two overlays)", st.PlanesInUse)
	}
	if st.Frames != 1 {
		t.Errorf("Frames = %d, want 1 after Start", st.Frames)
	}
	if !strings.HasPrefix(st.Device, "simdev") {
		t.Errorf("Device = %q, want simdev", st.Device)
	}

	windows := c.Windows()
	if len(windows) != 2 {
		t.Fatalf("Windows() = %d entries, want 2", len(windows))
	}
	for _, w := range windows {
		if !w.Hardware || w.Plane < 1 || w.PlaneType != "overlay" {
			t.Errorf("window %q = %+v, want it on an overlay plane", w.Name, w)
		}
		if w.State != "clean" {
			t.Errorf("window %q state = %q, want clean", w.Name, w.State)
		}
	}
	if windows[0].Plane == windows[1].Plane {
		t.Errorf("both windows on plane %d", windows[0].Plane)
	}

	sim := h.device()
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if c.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
	if c.Display() != nil {
		t.Error("Display() not nil after Stop")
	}
	if n := sim.LiveBuffers(); n != 0 {
		t.Errorf("LiveBuffers() = %d after Stop, want 0", n)
	}
	if err := c.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}

	snap := c.Metrics().Snapshot()
	if snap.Starts != 1 || snap.Stops != 1 {
		t.Errorf("Starts/Stops = %d/%d, want 1/1", snap.Starts, snap.Stops)
	}
	if snap.PlaneAllocations["overlay"] != 2 {
		t.Errorf("overlay allocations = %d, want 2", snap.PlaneAllocations["overlay"])
	}
}

func TestCompositorSoftwareFallback(t *testing.T) {
	lua := `
planecomp.config = { display_width = 320, display_height = 240, background = "000000" }
planecomp.windows = {
	{ name = "a", x = 0, y = 0, width = 40, height = 40, fallback = true },
	{ name = "b", x = 50, y = 0, width = 40, height = 40, fallback = true },
	{ name = "c", x = 100, y = 0, width = 40, height = 40, fallback = true },
	{ name = "d", x = 100, y = 100, width = 100, height = 50, color = "0000ff", fallback = true },
}
`
	h := &harness{}
	c := startFromString(t, lua, h)

	windows := c.Windows()
	if windows[3].Hardware || windows[3].Plane != -1 {
		t.Fatalf("window d = %+v, want software", windows[3])
	}
	for _, w := range windows[:3] {
		if !w.Hardware {
			t.Errorf("window %q not on a plane", w.Name)
		}
	}

	c.renderFrame()

	surface := c.frame.Surface().(*pixel.Image)
	inside := surface.RGBAAt(190, 125)
	if inside != (color.RGBA{B: 0xff, A: 0xff}) {
		t.Errorf("primary inside software window = %v, want blue", inside)
	}
	outside := surface.RGBAAt(300, 200)
	if outside != (color.RGBA{A: 0xff}) {
		t.Errorf("primary background = %v, want black", outside)
	}
	if got := c.Metrics().Snapshot().SoftwareWindows; got != 1 {
		t.Errorf("SoftwareWindows = %d, want 1", got)
	}
	if h := c.Health(); !h.IsDegraded() {
		t.Errorf("Health() = %v, want degraded with a software fallback", h.Status)
	}
}

func TestCompositorMovingWindowRepaintsPrimary(t *testing.T) {
	lua := `
planecomp.config = { display_width = 320, display_height = 240, background = "000000" }
planecomp.windows = {
	{ name = "sprite", x = 0, y = 0, width = 20, height = 20, hint = "software", dx = 10 },
}
`
	c := startFromString(t, lua, &harness{})
	surface := c.frame.Surface().(*pixel.Image)

	// The first frame already stepped the window once.
	if box := c.Windows()[0].Box; box.Min.X != 10 {
		t.Fatalf("window at %v after Start, want x=10", box.Min)
	}
	if got := surface.RGBAAt(22, 10); got.R != 0xff {
		t.Fatalf("window not painted at start: %v", got)
	}

	c.renderFrame()
	c.renderFrame()

	if box := c.Windows()[0].Box; box.Min.X != 30 {
		t.Fatalf("window at %v after two frames, want x=30", box.Min)
	}
	if got := surface.RGBAAt(15, 10); got != (color.RGBA{A: 0xff}) {
		t.Errorf("old position not cleared: %v", got)
	}
	if got := surface.RGBAAt(42, 10); got.R != 0xff {
		t.Errorf("new position not painted: %v", got)
	}
}

func TestCompositorAllocationBackoff(t *testing.T) {
	lua := `
planecomp.config = { display_width = 320, display_height = 240, primary = false }
planecomp.windows = { { name = "a", width = 40, height = 40 } }
`
	h := &harness{}
	c := startFromString(t, lua, h, func(d *simdev.Device) { d.FailAllocations(1000) })

	for range 10 {
		c.renderFrame()
	}
	br := c.scenes[0].breaker
	if br.State() != CircuitOpen {
		t.Fatalf("breaker state = %v, want open", br.State())
	}
	if br.Rejections() == 0 {
		t.Error("breaker rejected nothing")
	}
	if got := c.ErrorTracker().Stats().TotalErrors; got != 3 {
		t.Errorf("tracked errors = %d, want 3 before the breaker opened", got)
	}
	if c.Status().LastError == nil {
		t.Error("LastError = nil")
	}
}

func TestCompositorDeviceOpenError(t *testing.T) {
	opts := &Options{
		Headless:     true,
		Metrics:      NewMetrics(),
		ErrorTracker: NewErrorTracker(DefaultErrorTrackerConfig()),
		OpenDevice: func(config.DeviceConfig) (drm.Device, error) {
			return nil, drm.ErrNoDevice
		},
	}
	c, err := NewFromReader(strings.NewReader(""), opts)
	if err != nil {
		t.Fatalf("NewFromReader() error = %v", err)
	}
	err = c.Start()
	if !errors.Is(err, kms.ErrDeviceOpen) || !errors.Is(err, drm.ErrNoDevice) {
		t.Fatalf("Start() error = %v, want ErrDeviceOpen wrapping ErrNoDevice", err)
	}
	if Categorize(err) != ErrorCategoryDevice {
		t.Errorf("Categorize() = %v, want device", Categorize(err))
	}
	if c.IsRunning() {
		t.Error("IsRunning() = true after failed Start")
	}
	if h := c.Health(); !h.IsUnhealthy() {
		t.Errorf("Health() = %v, want unhealthy", h.Status)
	}
}

func TestCompositorReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "planecomp.lua")
	if err := os.WriteFile(path, []byte(twoWindows), 0o644); err != nil {
		t.Fatal(err)
	}

	h := &harness{}
	ci, err := New(path, h.options())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	c := ci.(*compositorImpl)

	var mu sync.Mutex
	events := map[EventType][]string{}
	c.SetEventHandler(func(ev Event) {
		mu.Lock()
		events[ev.Type] = append(events[ev.Type], ev.Message)
		mu.Unlock()
	})

	if err := c.Reload(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Reload() before Start error = %v, want ErrNotRunning", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Stop()

	before := c.Windows()
	updated := `
planecomp.config = {
	device = "sim",
	display_width = 320,
	display_height = 240,
	buffers = 2,
}
planecomp.windows = {
	{ name = "status", x = 20, y = 100, width = 120, height = 40, color = "ff0000" },
	{ name = "ticker", x = 0, y = 200, width = 80, height = 20, format = "rgb565" },
}
`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := c.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	after := c.Windows()
	if len(after) != 2 || after[0].Name != "status" || after[1].Name != "ticker" {
		t.Fatalf("Windows() after reload = %+v", after)
	}
	if after[0].Box != image.Rect(20, 100, 140, 140) {
		t.Errorf("status box = %v, want moved and resized", after[0].Box)
	}
	if after[0].Plane != before[0].Plane {
		t.Errorf("status moved from plane %d to %d, want it kept", before[0].Plane, after[0].Plane)
	}
	if after[0].State != "dirty" {
		t.Errorf("status state = %q, want dirty until the next frame", after[0].State)
	}

	c.renderFrame()
	if got := c.Windows()[0].State; got != "clean" {
		t.Errorf("status state after frame = %q, want clean", got)
	}
	if got := c.Windows()[1]; !got.Hardware {
		t.Errorf("ticker = %+v, want a plane", got)
	}

	// The removed window released its plane.
	if got := c.Status().PlanesInUse; got != 3 {
		t.Errorf("PlanesInUse = %d, want 3", got)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events[EventWindowAdded]) == 1 && len(events[EventWindowRemoved]) == 1 &&
			len(events[EventConfigReloaded]) == 1
	})
	mu.Lock()
	if !strings.Contains(events[EventWindowRemoved][0], "clock") {
		t.Errorf("removed event = %q, want clock", events[EventWindowRemoved][0])
	}
	mu.Unlock()

	if got := c.Metrics().Snapshot().ConfigReloads; got != 1 {
		t.Errorf("ConfigReloads = %d, want 1", got)
	}
}

func TestCompositorReloadInvalidKeepsConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "planecomp.lua")
	if err := os.WriteFile(path, []byte(twoWindows), 0o644); err != nil {
		t.Fatal(err)
	}
	h := &harness{}
	ci, err := New(path, h.options())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := ci.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer ci.Stop()

	if err := os.WriteFile(path, []byte("planecomp.windows = 42"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ci.Reload(); err == nil {
		t.Fatal("Reload() accepted an invalid configuration")
	}
	if got := len(ci.Windows()); got != 2 {
		t.Errorf("Windows() = %d after failed reload, want 2", got)
	}
}

func TestCompositorRestart(t *testing.T) {
	h := &harness{}
	c := startFromString(t, twoWindows, h)
	first := h.device()
	c.renderFrame()

	if err := c.Restart(); err != nil {
		t.Fatalf("Restart() error = %v", err)
	}
	if !c.IsRunning() {
		t.Fatal("IsRunning() = false after Restart")
	}
	if h.device() == first {
		t.Error("Restart reused the closed device")
	}
	if first.LiveBuffers() != 0 {
		t.Errorf("first device kept %d buffers", first.LiveBuffers())
	}
	if got := c.Status().Frames; got != 1 {
		t.Errorf("Frames = %d after Restart, want 1", got)
	}
	if got := c.Metrics().Snapshot().Restarts; got != 1 {
		t.Errorf("Restarts = %d, want 1", got)
	}
}

func TestCompositorHealthy(t *testing.T) {
	c := startFromString(t, twoWindows, &harness{})
	hc := c.Health()
	if !hc.IsHealthy() {
		t.Errorf("Health() = %v (%s), components %+v", hc.Status, hc.Message, hc.Components)
	}
	for _, name := range []string{"instance", "display", "windows", "errors"} {
		if _, ok := hc.Components[name]; !ok {
			t.Errorf("component %q missing", name)
		}
	}
}

func TestErrorHandlerPanicRecovered(t *testing.T) {
	c := startFromString(t, twoWindows, &harness{})
	called := make(chan struct{})
	c.SetErrorHandler(func(error) {
		close(called)
		panic("handler bug")
	})
	c.notifyError(errors.New("boom"))

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("error handler not called")
	}
	if !c.IsRunning() {
		t.Error("compositor stopped after handler panic")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
