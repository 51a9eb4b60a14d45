// Package planecomp runs a display plane compositor as a library component.
//
// A Compositor opens a display controller (a DRM/KMS device or the
// built-in simulator), places each configured window on a free hardware
// plane and composites the windows that did not get one into the primary
// plane. Every update interval it commits pending window geometry, draws
// the window content and flips the damaged buffers.
//
// # Basic Usage
//
//	c, err := planecomp.New("/etc/planecomp.lua", nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := c.Start(); err != nil {
//		log.Fatal(err)
//	}
//	defer c.Stop()
//
// # Configuration Sources
//
//   - Disk file: Use [New] to load from a filesystem path
//   - Embedded FS: Use [NewFromFS] to load from an [io/fs.FS]
//   - io.Reader: Use [NewFromReader] for generated configurations
//
// Configurations are Lua scripts filling the planecomp.config and
// planecomp.windows tables.
//
// # Lifecycle Management
//
//   - [Compositor.Start] opens the display and begins the frame loop
//   - [Compositor.Stop] closes the windows, planes and device
//   - [Compositor.Reload] applies window changes without reopening the display
//   - [Compositor.Restart] reloads configuration and reopens the display
//
// With Options.WatchConfig a configuration file on disk is watched and
// reloaded on change.
//
// # Observability
//
// [Metrics] implements the display observer and counts flips, plane
// allocations and frame times; [Metrics.RegisterExpvar] publishes them.
// [ErrorTracker] categorizes runtime errors and raises alerts on rates.
// Windows whose plane allocation keeps failing are retried through a
// [CircuitBreaker] instead of on every frame.
package planecomp
