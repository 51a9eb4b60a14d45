package planecomp

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/planecomp/internal/config"
	"github.com/opd-ai/planecomp/internal/drm"
	"github.com/opd-ai/planecomp/internal/kms"
	"github.com/opd-ai/planecomp/internal/pixel"
	"github.com/opd-ai/planecomp/internal/simdev"
	"github.com/opd-ai/planecomp/internal/window"
)

var (
	// ErrAlreadyRunning is returned by Start on a running compositor.
	ErrAlreadyRunning = errors.New("compositor already running")
	// ErrNotRunning is returned by Reload on a stopped compositor.
	ErrNotRunning = errors.New("compositor not running")
)

// compositorImpl is the private implementation of the Compositor interface.
type compositorImpl struct {
	// Configuration
	cfg          *config.Config
	opts         Options
	configSource string
	configPath   string // set for disk files, enables watching
	configLoader func() (*config.Config, error)

	log     Logger
	metrics *Metrics
	tracker *ErrorTracker

	// Display state, guarded by sceneMu. The frame loop, Reload and the
	// query methods all take it.
	sceneMu sync.Mutex
	dev     drm.Device
	sim     *simdev.Device
	display *kms.Display
	frame   *window.Frame
	scenes  []*scene

	// State
	running   atomic.Bool
	startTime time.Time
	frames    atomic.Uint64
	lastError atomic.Value // stores error

	// Handlers
	errorHandler ErrorHandler
	eventHandler EventHandler

	// Synchronization
	lifecycle sync.Mutex // serializes Start and Stop
	mu        sync.RWMutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Verify interface implementation at compile time.
var _ Compositor = (*compositorImpl)(nil)

func (c *compositorImpl) initObservability() {
	c.log = c.opts.Logger
	if c.log == nil {
		c.log = NopLogger()
	}
	c.metrics = c.opts.Metrics
	if c.metrics == nil {
		c.metrics = DefaultMetrics()
	}
	c.tracker = c.opts.ErrorTracker
	if c.tracker == nil {
		c.tracker = DefaultErrorTracker()
	}
	if c.opts.AllocationRetry <= 0 {
		c.opts.AllocationRetry = DefaultAllocationRetry
	}
}

// loadConfig parses the configuration source, applies option overrides
// and validates the result.
func (c *compositorImpl) loadConfig() (*config.Config, error) {
	cfg, err := c.configLoader()
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if c.opts.DevicePath != "" {
		cfg.Device.Kind = config.DeviceDRM
		cfg.Device.Path = c.opts.DevicePath
	}
	if c.opts.Buffers > 0 {
		cfg.Display.Buffers = c.opts.Buffers
	}
	if c.opts.UpdateInterval > 0 {
		cfg.Display.UpdateInterval = c.opts.UpdateInterval
	}

	result := config.NewValidator().Validate(cfg)
	for _, w := range result.Warnings {
		c.log.Warn("configuration warning", "field", w.Field, "message", w.Message)
	}
	if err := result.Error(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// OpenDevice is the default DeviceOpener: a DRM device for DeviceDRM,
// otherwise a simulated controller of the configured size.
func OpenDevice(dc config.DeviceConfig) (drm.Device, error) {
	switch dc.Kind {
	case config.DeviceDRM:
		target := dc.Path
		if target == "" {
			target = dc.Driver
		}
		return drm.Open(target)
	default:
		return simdev.New(simdev.WithSize(image.Pt(dc.Width, dc.Height))), nil
	}
}

// Start opens the display and begins the frame loop.
func (c *compositorImpl) Start() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.running.Load() {
		return ErrAlreadyRunning
	}

	c.mu.RLock()
	cfg := c.cfg
	c.mu.RUnlock()

	log := withOp(c.log, "start")
	if err := c.openDisplay(cfg, log); err != nil {
		wrappedErr := fmt.Errorf("failed to initialize: %w", err)
		c.notifyError(wrappedErr)
		return wrappedErr
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.startTime = time.Now()
	c.mu.Unlock()

	// Set running state BEFORE starting goroutines to avoid a race with Stop.
	c.frames.Store(0)
	c.running.Store(true)
	c.metrics.IncrementStarts()
	c.metrics.SetRunning(true)

	c.renderFrame()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.teardown()
		c.loop(ctx)
	}()

	if c.opts.WatchConfig && c.configPath != "" {
		if err := c.startWatcher(ctx); err != nil {
			log.Warn("config watching disabled", "path", c.configPath, "error", err)
		}
	}
	if c.previewEnabled(cfg) {
		c.startPreview(ctx, cfg, cancel)
	}

	st := c.Status()
	log.Info("compositor started",
		"device", st.Device,
		"size", st.DisplaySize,
		"windows", len(cfg.Windows),
		"interval", cfg.Display.UpdateInterval)
	c.emitEvent(EventStarted, "Compositor started")
	return nil
}

// openDisplay opens the device and the display and creates the scenes.
func (c *compositorImpl) openDisplay(cfg *config.Config, log Logger) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}
	open := c.opts.OpenDevice
	if open == nil {
		open = OpenDevice
	}
	dev, err := open(cfg.Device)
	if err != nil {
		return fmt.Errorf("%w: %w", kms.ErrDeviceOpen, err)
	}

	display, err := kms.Open(dev, kms.Config{
		Primary:  cfg.Display.Primary,
		Buffers:  cfg.Display.Buffers,
		Format:   cfg.Display.Format,
		Logger:   c.log,
		Observer: c.metrics,
		OnError:  c.notifyError,
	})
	if err != nil {
		dev.Close()
		return err
	}
	log.Debug("display opened",
		"planes", len(display.Planes()),
		"overlays", display.CountPlanes(drm.PlaneOverlay),
		"buffers", display.PlaneBuffers())

	c.sceneMu.Lock()
	defer c.sceneMu.Unlock()
	c.dev = dev
	c.sim, _ = dev.(*simdev.Device)
	c.display = display
	c.frame = window.NewFrame(display.Context())
	c.frame.Damage(image.Rectangle{Max: display.DisplaySize()})
	c.scenes = c.scenes[:0]
	for _, wc := range cfg.Windows {
		c.scenes = append(c.scenes, c.newScene(wc))
	}
	c.updateGaugesLocked()
	return nil
}

// loop renders a frame every update interval until ctx ends.
func (c *compositorImpl) loop(ctx context.Context) {
	interval := c.interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.renderFrame()
			if next := c.interval(); next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

func (c *compositorImpl) interval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if d := c.cfg.Display.UpdateInterval; d > 0 {
		return d
	}
	return config.DefaultUpdateInterval
}

// teardown closes every window, then the display and its device.
func (c *compositorImpl) teardown() {
	log := withOp(c.log, "stop")

	c.sceneMu.Lock()
	for _, s := range c.scenes {
		if err := s.win.Close(); err != nil {
			log.Warn("closing window", "window", s.cfg.Name, "error", err)
		}
	}
	c.scenes = nil
	if c.display != nil {
		if err := c.display.Close(); err != nil {
			log.Warn("closing display", "error", err)
		}
	}
	c.display, c.dev, c.sim, c.frame = nil, nil, nil, nil
	c.sceneMu.Unlock()

	c.running.Store(false)
	c.metrics.SetRunning(false)
	c.metrics.SetWindows(0, 0)
	log.Info("compositor stopped", "frames", c.frames.Load())
	c.emitEvent(EventStopped, "Compositor stopped")
}

// renderFrame draws one frame: every window commits its pending geometry,
// repaints and flips, then the damaged parts of the primary plane are
// recomposited.
func (c *compositorImpl) renderFrame() {
	start := time.Now()

	c.sceneMu.Lock()
	defer c.sceneMu.Unlock()
	if c.display == nil {
		return
	}

	size := c.display.DisplaySize()
	for _, s := range c.scenes {
		s.step(size)
		if err := s.begin(); err != nil {
			if !errors.Is(err, ErrCircuitOpen) {
				c.notifyError(err)
			}
			continue
		}
		if o, ok := s.win.HardwarePlane(); ok && o.Async() != s.cfg.Async {
			o.SetAsync(s.cfg.Async)
		}
		if err := s.draw(); err != nil {
			c.notifyError(err)
		}
	}
	if err := c.composeFrame(); err != nil {
		c.notifyError(err)
	}
	c.updateGaugesLocked()

	c.frames.Add(1)
	c.metrics.RecordFrame(time.Since(start))
}

// composeFrame repaints the damaged regions of the primary plane: the
// background first, then every visible software window in order.
func (c *compositorImpl) composeFrame() error {
	damage := c.frame.TakeDamage()
	if c.display.Primary() == nil || len(damage) == 0 {
		return nil
	}
	surface, ok := c.frame.Surface().(*pixel.Image)
	if !ok {
		return nil
	}

	c.mu.RLock()
	bg := c.cfg.Display.Background
	c.mu.RUnlock()

	for _, r := range damage {
		sub := surface.SubImage(r)
		sub.Fill(r, bg)
		for _, s := range c.scenes {
			if !s.software() || !s.win.Visible() || !s.win.Box().Overlaps(r) {
				continue
			}
			if err := s.win.Paint(sub); err != nil {
				return err
			}
		}
	}
	return c.display.Flip(damage...)
}

func (c *compositorImpl) updateGaugesLocked() {
	software := 0
	for _, s := range c.scenes {
		if s.software() {
			software++
		}
	}
	c.metrics.SetWindows(len(c.scenes), software)
}

// previewEnabled reports whether Start opens the preview window.
func (c *compositorImpl) previewEnabled(cfg *config.Config) bool {
	if c.opts.Headless {
		return false
	}
	return c.opts.Preview || cfg.Preview.Enabled
}

// Stop cancels the frame loop and waits for it to release the display.
func (c *compositorImpl) Stop() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if !c.running.Load() {
		return nil // Already stopped
	}

	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	timeout := c.opts.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	select {
	case <-done:
		c.metrics.IncrementStops()
		return nil
	case <-time.After(timeout):
		err := fmt.Errorf("shutdown timeout after %v: some goroutines did not stop", timeout)
		c.notifyError(err)
		return err
	}
}

// Restart performs a stop followed by a start with a freshly loaded
// configuration.
func (c *compositorImpl) Restart() error {
	if err := c.Stop(); err != nil {
		wrappedErr := fmt.Errorf("stop failed: %w", err)
		c.notifyError(wrappedErr)
		return wrappedErr
	}

	cfg, err := c.loadConfig()
	if err != nil {
		wrappedErr := fmt.Errorf("config reload failed: %w", err)
		c.notifyError(wrappedErr)
		return wrappedErr
	}
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
	c.emitEvent(EventConfigReloaded, "Configuration reloaded")

	if err := c.Start(); err != nil {
		wrappedErr := fmt.Errorf("start failed: %w", err)
		c.notifyError(wrappedErr)
		return wrappedErr
	}

	c.metrics.IncrementRestarts()
	c.emitEvent(EventRestarted, "Compositor restarted")
	return nil
}

// Reload applies a new configuration to the running compositor. Windows
// are matched by name. A window whose format, hint or fallback changed is
// recreated; other changes are staged and committed by the next frame.
func (c *compositorImpl) Reload() error {
	if !c.running.Load() {
		return ErrNotRunning
	}
	log := withOp(c.log, "reload")

	newCfg, err := c.loadConfig()
	if err != nil {
		wrappedErr := fmt.Errorf("config reload failed: %w", err)
		c.notifyError(wrappedErr)
		return wrappedErr
	}

	c.mu.Lock()
	oldCfg := c.cfg
	c.cfg = newCfg
	c.mu.Unlock()

	if oldCfg.Device != newCfg.Device ||
		oldCfg.Display.Primary != newCfg.Display.Primary ||
		oldCfg.Display.Buffers != newCfg.Display.Buffers ||
		oldCfg.Display.Format != newCfg.Display.Format {
		log.Warn("device and display changes apply on restart")
	}

	added, removed, errs := c.applyWindows(newCfg, log)
	for _, name := range removed {
		c.emitEvent(EventWindowRemoved, "Window removed: "+name)
	}
	for _, name := range added {
		c.emitEvent(EventWindowAdded, "Window added: "+name)
	}
	for _, err := range errs {
		c.notifyError(err)
	}

	log.Info("configuration reloaded", "windows", len(newCfg.Windows), "added", len(added), "removed", len(removed))
	c.metrics.IncrementConfigReloads()
	c.emitEvent(EventConfigReloaded, "Configuration reloaded in-place")
	return nil
}

// applyWindows reconciles the scenes with cfg.Windows.
func (c *compositorImpl) applyWindows(cfg *config.Config, log Logger) (added, removed []string, errs []error) {
	c.sceneMu.Lock()
	defer c.sceneMu.Unlock()
	if c.display == nil {
		return nil, nil, nil
	}

	old := make(map[string]*scene, len(c.scenes))
	for _, s := range c.scenes {
		old[s.cfg.Name] = s
	}

	scenes := make([]*scene, 0, len(cfg.Windows))
	for _, wc := range cfg.Windows {
		s, ok := old[wc.Name]
		delete(old, wc.Name)
		switch {
		case !ok:
			scenes = append(scenes, c.newScene(wc))
			added = append(added, wc.Name)
			continue
		case s.cfg.Format != wc.Format || s.cfg.Hint != wc.Hint || s.cfg.Fallback != wc.Fallback:
			log.Debug("recreating window", "window", wc.Name)
			if err := s.win.Close(); err != nil {
				errs = append(errs, err)
			}
			scenes = append(scenes, c.newScene(wc))
			continue
		}
		if err := c.updateScene(s, wc); err != nil {
			errs = append(errs, err)
		}
		scenes = append(scenes, s)
	}

	for _, prev := range c.scenes {
		if _, gone := old[prev.cfg.Name]; !gone {
			continue
		}
		if err := prev.win.Close(); err != nil {
			errs = append(errs, err)
		}
		removed = append(removed, prev.cfg.Name)
	}
	c.scenes = scenes

	// The background or the stacking order may have changed.
	c.frame.Damage(image.Rectangle{Max: c.display.DisplaySize()})
	c.updateGaugesLocked()
	return added, removed, errs
}

// updateScene stages the changes between s.cfg and wc on the live window.
func (c *compositorImpl) updateScene(s *scene, wc config.WindowConfig) error {
	var errs []error
	if size := wc.Box().Size(); size != s.win.Box().Size() {
		if err := s.win.Resize(size); err != nil {
			errs = append(errs, err)
		}
	}
	if wc.X != s.cfg.X || wc.Y != s.cfg.Y {
		s.win.Move(image.Pt(wc.X, wc.Y))
	}
	if wc.Motion != s.cfg.Motion {
		s.motion = image.Pt(wc.Motion.DX, wc.Motion.DY)
	}
	s.win.SetScale(wc.ScaleX, wc.ScaleY)
	switch {
	case wc.Visible && !s.win.Visible():
		errs = append(errs, s.win.Show())
	case !wc.Visible && s.win.Visible():
		errs = append(errs, s.win.Hide())
	}
	s.cfg = wc
	s.breaker.Reset()
	return errors.Join(errs...)
}

// IsRunning returns true if the frame loop is active.
func (c *compositorImpl) IsRunning() bool {
	return c.running.Load()
}

// Status returns detailed status information about the compositor.
func (c *compositorImpl) Status() Status {
	c.mu.RLock()
	startTime := c.startTime
	configSource := c.configSource
	c.mu.RUnlock()

	st := Status{
		Running:      c.running.Load(),
		StartTime:    startTime,
		Frames:       c.frames.Load(),
		LastError:    c.getError(),
		ConfigSource: configSource,
	}

	c.sceneMu.Lock()
	defer c.sceneMu.Unlock()
	if c.display != nil {
		st.Device = c.deviceNameLocked()
		st.DisplaySize = c.display.DisplaySize()
		st.PlanesInUse = c.display.Registry().Len()
	}
	return st
}

func (c *compositorImpl) deviceNameLocked() string {
	if s, ok := c.dev.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", c.dev)
}

// Windows describes the composited windows in configuration order.
func (c *compositorImpl) Windows() []WindowInfo {
	c.sceneMu.Lock()
	defer c.sceneMu.Unlock()
	out := make([]WindowInfo, 0, len(c.scenes))
	for _, s := range c.scenes {
		out = append(out, s.info())
	}
	return out
}

// Display returns the open display, nil when stopped.
func (c *compositorImpl) Display() *kms.Display {
	c.sceneMu.Lock()
	defer c.sceneMu.Unlock()
	return c.display
}

// SetErrorHandler registers a callback for runtime errors.
func (c *compositorImpl) SetErrorHandler(handler ErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorHandler = handler
}

// SetEventHandler registers a callback for lifecycle events.
func (c *compositorImpl) SetEventHandler(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventHandler = handler
}

// Metrics returns the metrics collector for this compositor.
func (c *compositorImpl) Metrics() *Metrics {
	return c.metrics
}

// ErrorTracker returns the error tracker for this compositor.
func (c *compositorImpl) ErrorTracker() *ErrorTracker {
	return c.tracker
}

// getError retrieves the last error.
func (c *compositorImpl) getError() error {
	if v := c.lastError.Load(); v != nil {
		if err, ok := v.(error); ok {
			return err
		}
	}
	return nil
}

// notifyError records err, invokes the error handler if registered and
// emits an error event. It is safe to call from flip workers.
func (c *compositorImpl) notifyError(err error) {
	if err == nil {
		return
	}
	c.lastError.Store(err)
	c.metrics.IncrementErrors()
	c.tracker.RecordError(err, SeverityError)

	c.mu.RLock()
	handler := c.errorHandler
	c.mu.RUnlock()

	if handler != nil {
		go func() {
			defer func() {
				// Recover from panics in error handler to prevent crashing
				if r := recover(); r != nil {
					c.log.Error("error handler panicked", "panic", r, "original_error", err)
				}
			}()
			handler(err)
		}()
	}

	c.emitEvent(EventError, err.Error())
}

// emitEvent sends an event to the event handler if configured.
func (c *compositorImpl) emitEvent(eventType EventType, message string) {
	c.metrics.IncrementEventsEmitted()

	c.mu.RLock()
	handler := c.eventHandler
	c.mu.RUnlock()

	if handler == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("event handler panicked", "panic", r, "event", eventType.String())
			}
		}()
		handler(Event{
			Type:      eventType,
			Timestamp: time.Now(),
			Message:   message,
		})
	}()
}
