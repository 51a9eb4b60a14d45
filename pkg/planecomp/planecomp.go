package planecomp

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"

	"github.com/opd-ai/planecomp/internal/config"
	"github.com/opd-ai/planecomp/internal/kms"
)

// Compositor drives a display controller: it owns the display, places the
// configured windows on hardware planes or composites them into the
// primary plane, and flips every frame. It is safe for concurrent use from
// multiple goroutines.
type Compositor interface {
	// Start opens the device and begins the frame loop.
	// It returns immediately after the first frame; rendering runs in a
	// background goroutine. Returns an error if already running or if the
	// device or display cannot be opened.
	Start() error

	// Stop closes every window, releases the planes and the device, and
	// waits for the frame loop to exit.
	// Safe to call multiple times; subsequent calls are no-ops.
	Stop() error

	// Restart performs a stop followed by a start.
	// Configuration is reloaded from the original source, so device and
	// display settings take effect.
	Restart() error

	// Reload re-reads the configuration and applies window changes in
	// place: windows are added, removed, moved, resized and restyled
	// without reopening the display. On error the previous configuration
	// remains active.
	Reload() error

	// IsRunning returns true if the frame loop is active.
	IsRunning() bool

	// Status returns detailed status information about the compositor.
	Status() Status

	// Windows describes the composited windows in configuration order.
	Windows() []WindowInfo

	// Display returns the open display, nil when stopped.
	Display() *kms.Display

	// SetErrorHandler registers a callback for runtime errors.
	// The handler is invoked asynchronously; a panicking handler is
	// recovered.
	SetErrorHandler(handler ErrorHandler)

	// SetEventHandler registers a callback for lifecycle events.
	SetEventHandler(handler EventHandler)

	// Health returns a health check result for the compositor.
	Health() HealthCheck

	// Metrics returns the metrics collector for this compositor.
	// Use Metrics().RegisterExpvar() to expose metrics via /debug/vars.
	Metrics() *Metrics

	// ErrorTracker returns the error tracker for this compositor.
	ErrorTracker() *ErrorTracker
}

// New creates a Compositor from a Lua configuration file on disk.
// The compositor is created but not started; call Start() to begin.
//
// Example:
//
//	c, err := planecomp.New("/etc/planecomp.lua", nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer c.Stop()
//	if err := c.Start(); err != nil {
//		log.Fatal(err)
//	}
func New(configPath string, opts *Options) (Compositor, error) {
	load := func() (*config.Config, error) {
		p, err := config.NewParser()
		if err != nil {
			return nil, err
		}
		defer p.Close()
		return p.ParseFile(configPath)
	}
	c, err := newCompositor(load, configPath, opts)
	if err != nil {
		return nil, err
	}
	c.configPath = configPath
	return c, nil
}

// NewFromFS creates a Compositor using a configuration from a filesystem,
// typically an embed.FS bundled into the binary.
func NewFromFS(fsys fs.FS, configPath string, opts *Options) (Compositor, error) {
	load := func() (*config.Config, error) {
		p, err := config.NewParser()
		if err != nil {
			return nil, err
		}
		defer p.Close()
		return p.ParseFromFS(fsys, configPath)
	}
	return newCompositor(load, "embedded:"+configPath, opts)
}

// NewFromReader creates a Compositor from Lua configuration content.
// The content is read once; Reload and Restart re-parse the same bytes.
//
// Example:
//
//	cfg := strings.NewReader(`
//		planecomp.config = { device = "sim" }
//		planecomp.windows = { { name = "clock", width = 200, height = 80 } }
//	`)
//	c, err := planecomp.NewFromReader(cfg, nil)
func NewFromReader(r io.Reader, opts *Options) (Compositor, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	load := func() (*config.Config, error) {
		p, err := config.NewParser()
		if err != nil {
			return nil, err
		}
		defer p.Close()
		return p.ParseReader(bytes.NewReader(content))
	}
	return newCompositor(load, "reader", opts)
}

func newCompositor(load func() (*config.Config, error), source string, opts *Options) (*compositorImpl, error) {
	if opts == nil {
		defaultOpts := DefaultOptions()
		opts = &defaultOpts
	}
	c := &compositorImpl{
		opts:         *opts,
		configSource: source,
		configLoader: load,
	}
	c.initObservability()

	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	c.cfg = cfg
	return c, nil
}
