package planecomp

import (
	"time"

	"github.com/opd-ai/planecomp/internal/config"
	"github.com/opd-ai/planecomp/internal/drm"
)

// DefaultShutdownTimeout is the default timeout for graceful shutdown.
// This can be overridden via Options.ShutdownTimeout.
const DefaultShutdownTimeout = 5 * time.Second

// DefaultAllocationRetry is how long a window whose plane allocation keeps
// failing waits before trying again.
const DefaultAllocationRetry = 2 * time.Second

// DeviceOpener opens the display controller described by a configuration.
type DeviceOpener func(cfg config.DeviceConfig) (drm.Device, error)

// Options configures the Compositor behavior.
type Options struct {
	// UpdateInterval overrides the configuration file's update_interval.
	// Zero means use the configuration file's value.
	UpdateInterval time.Duration

	// DevicePath selects a DRM device node, overriding the configured
	// device. Empty means use the configuration.
	DevicePath string

	// Buffers overrides the number of buffers per plane.
	// Zero means use the configuration, then EGT_KMS_BUFFERS.
	Buffers int

	// OpenDevice replaces the default device opener. Tests use it to
	// inject a simulated controller.
	OpenDevice DeviceOpener

	// Preview shows the simulated controller output in a desktop window.
	// The configuration's preview setting enables it as well.
	Preview bool

	// Headless never opens the preview window, whatever the configuration says.
	Headless bool

	// ShutdownTimeout sets the maximum time to wait for graceful shutdown.
	// Zero means use DefaultShutdownTimeout (5 seconds).
	ShutdownTimeout time.Duration

	// AllocationRetry sets how long a window waits after repeated plane
	// allocation failures. Zero means use DefaultAllocationRetry.
	AllocationRetry time.Duration

	// Logger sets a custom logger for debug/info messages.
	// If nil, no logging is performed.
	Logger Logger

	// Metrics sets a custom metrics collector for operational metrics.
	// If nil, DefaultMetrics() is used.
	// Metrics can be exposed via /debug/vars by calling Metrics.RegisterExpvar().
	Metrics *Metrics

	// ErrorTracker sets a custom error tracker for error aggregation and alerting.
	// If nil, DefaultErrorTracker() is used.
	ErrorTracker *ErrorTracker

	// WatchConfig enables automatic configuration hot-reloading when the
	// configuration file changes on disk. File modifications trigger
	// Reload without restarting.
	WatchConfig bool

	// WatchDebounce sets the debounce interval for file change events.
	// Multiple rapid file modifications within this window trigger only
	// a single reload. Zero means use the default (500ms).
	WatchDebounce time.Duration
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		UpdateInterval:  0, // Use config file value
		ShutdownTimeout: 0, // Use DefaultShutdownTimeout
		AllocationRetry: DefaultAllocationRetry,
	}
}

// Logger interface for custom logging.
// It follows the slog-style signature for compatibility with Go's structured logging.
// Any Logger can be handed to the internal compositor packages unchanged.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs.
	Debug(msg string, args ...any)
	// Info logs an info-level message with optional key-value pairs.
	Info(msg string, args ...any)
	// Warn logs a warning-level message with optional key-value pairs.
	Warn(msg string, args ...any)
	// Error logs an error-level message with optional key-value pairs.
	Error(msg string, args ...any)
}
