// Package main provides the planecomp command: it composites the windows of
// a Lua configuration onto the planes of a DRM/KMS display controller, or
// onto a simulated controller with an optional desktop preview.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/opd-ai/planecomp/internal/config"
	"github.com/opd-ai/planecomp/internal/drm"
	"github.com/opd-ai/planecomp/internal/profiling"
	"github.com/opd-ai/planecomp/pkg/planecomp"
)

// Version is the current version of planecomp.
// This default value can be overridden at build time using:
//
//	go build -ldflags "-X main.Version=x.y.z"
var Version = "0.1.0-dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type flags struct {
	configPath string
	version    bool
	debug      bool
	json       bool
	device     string
	buffers    int
	preview    bool
	headless   bool
	watch      bool
	listPlanes bool
	cpuProfile string
	memProfile string
	leakCheck  time.Duration
	debugAddr  string
}

func parseFlags(args []string, stderr io.Writer) (*flags, error) {
	f := &flags{}
	fs := flag.NewFlagSet("planecomp", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&f.configPath, "c", "", "Path to Lua configuration file")
	fs.BoolVar(&f.version, "v", false, "Print version and exit")
	fs.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	fs.BoolVar(&f.json, "json", false, "Log in JSON format")
	fs.StringVar(&f.device, "device", "", "DRM device node or driver name, overrides the configured device")
	fs.IntVar(&f.buffers, "buffers", 0, "Buffers per plane, overrides the configuration and EGT_KMS_BUFFERS")
	fs.BoolVar(&f.preview, "preview", false, "Show the simulated display in a desktop window")
	fs.BoolVar(&f.headless, "headless", false, "Never open a preview window")
	fs.BoolVar(&f.watch, "watch", false, "Reload the configuration when the file changes")
	fs.BoolVar(&f.listPlanes, "list-planes", false, "List the planes of the display controller and exit")
	fs.StringVar(&f.cpuProfile, "cpuprofile", "", "Write CPU profile to file")
	fs.StringVar(&f.memProfile, "memprofile", "", "Write memory profile to file")
	fs.DurationVar(&f.leakCheck, "leakcheck", 0, "Sample heap, goroutines and planes at this interval and warn on growth")
	fs.StringVar(&f.debugAddr, "debug-addr", "", "Serve /debug/vars and /debug/pprof on this address")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

func run(args []string, stdout, stderr io.Writer) int {
	f, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if f.version {
		fmt.Fprintf(stdout, "planecomp version %s\n", Version)
		return 0
	}

	logger := newLogger(f, stderr)

	if f.listPlanes {
		return runListPlanes(f, stdout, stderr)
	}

	if f.configPath == "" {
		fmt.Fprintln(stderr, "No configuration file specified. Use -c to specify a config file.")
		fmt.Fprintln(stderr, "Usage: planecomp -c <config.lua>")
		return 1
	}
	if _, err := os.Stat(f.configPath); err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintf(stderr, "Configuration file not found: %s\n", f.configPath)
		} else {
			fmt.Fprintf(stderr, "Error accessing configuration file %s: %v\n", f.configPath, err)
		}
		return 1
	}

	profConfig := profiling.Config{CPUProfilePath: f.cpuProfile, MemProfilePath: f.memProfile}
	if profConfig.Enabled() {
		profiler := profiling.New(profConfig)
		if err := profiler.Start(); err != nil {
			fmt.Fprintf(stderr, "Failed to start profiling: %v\n", err)
			return 1
		}
		defer func() {
			if err := profiler.Stop(); err != nil {
				fmt.Fprintf(stderr, "Warning: failed to stop profiling: %v\n", err)
			}
		}()
	}

	metrics := planecomp.DefaultMetrics()
	if f.debugAddr != "" {
		metrics.RegisterExpvar()
		go func() {
			if err := http.ListenAndServe(f.debugAddr, nil); err != nil {
				logger.Warn("debug server stopped", "addr", f.debugAddr, "error", err)
			}
		}()
	}

	opts := planecomp.DefaultOptions()
	opts.Logger = logger
	opts.Metrics = metrics
	opts.DevicePath = f.device
	opts.Buffers = f.buffers
	opts.Preview = f.preview
	opts.Headless = f.headless
	opts.WatchConfig = f.watch

	c, err := planecomp.New(f.configPath, &opts)
	if err != nil {
		fmt.Fprintf(stderr, "Error creating compositor: %v\n", err)
		return 1
	}

	stopped := make(chan struct{}, 1)
	c.SetErrorHandler(func(err error) {
		fmt.Fprintf(stderr, "Warning: %v\n", err)
	})
	c.SetEventHandler(func(e planecomp.Event) {
		fmt.Fprintf(stdout, "[%s] %s: %s\n", e.Timestamp.Format("15:04:05"), e.Type, e.Message)
		if e.Type == planecomp.EventStopped {
			select {
			case stopped <- struct{}{}:
			default:
			}
		}
	})

	fmt.Fprintf(stdout, "planecomp %s starting with config: %s\n", Version, f.configPath)
	if err := c.Start(); err != nil {
		fmt.Fprintf(stderr, "Failed to start: %v\n", err)
		return 1
	}

	if f.leakCheck > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		detector := profiling.NewLeakDetector(profiling.LeakConfig{Interval: f.leakCheck}, func() int {
			return c.Status().PlanesInUse
		})
		go detector.Run(ctx, func(g profiling.Growth) {
			logger.Warn("possible resource leak", "report", g.String())
		})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	return serve(c, sigCh, stopped, stdout, stderr)
}

// serve handles signals until the compositor stops: SIGHUP reloads the
// configuration, any other signal stops the compositor.
func serve(c planecomp.Compositor, sigCh <-chan os.Signal, stopped <-chan struct{}, stdout, stderr io.Writer) int {
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				fmt.Fprintln(stdout, "Received SIGHUP, reloading configuration...")
				if err := c.Reload(); err != nil {
					fmt.Fprintf(stderr, "Reload failed: %v\n", err)
				}
				continue
			}
			fmt.Fprintln(stdout, "Shutting down...")
			if err := c.Stop(); err != nil {
				fmt.Fprintf(stderr, "Stop error: %v\n", err)
				return 1
			}
			return 0
		case <-stopped:
			// Stopped from inside, e.g. the preview window was closed.
			if c.IsRunning() {
				continue
			}
			return 0
		}
	}
}

func newLogger(f *flags, w io.Writer) planecomp.Logger {
	level := slog.LevelInfo
	if f.debug {
		level = slog.LevelDebug
	}
	if f.json {
		return planecomp.JSONLogger(w, level)
	}
	return planecomp.NewSlogAdapter(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

// runListPlanes prints the plane table of the configured device.
func runListPlanes(f *flags, stdout, stderr io.Writer) int {
	dc := config.DefaultConfig().Device
	if f.configPath != "" {
		p, err := config.NewParser()
		if err != nil {
			fmt.Fprintf(stderr, "Error creating parser: %v\n", err)
			return 1
		}
		defer p.Close()
		cfg, err := p.ParseFile(f.configPath)
		if err != nil {
			fmt.Fprintf(stderr, "Error loading configuration: %v\n", err)
			return 1
		}
		dc = cfg.Device
	}
	if f.device != "" {
		dc.Kind = config.DeviceDRM
		dc.Path = f.device
	}

	dev, err := planecomp.OpenDevice(dc)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening device: %v\n", err)
		return 1
	}
	defer dev.Close()

	size := dev.DisplaySize()
	fmt.Fprintf(stdout, "%s %dx%d\n", deviceName(dev, dc), size.X, size.Y)
	printPlanes(stdout, dev.Planes())
	return 0
}

func deviceName(dev drm.Device, dc config.DeviceConfig) string {
	if s, ok := dev.(fmt.Stringer); ok {
		return s.String()
	}
	return dc.Kind.String()
}

func printPlanes(w io.Writer, planes []drm.PlaneInfo) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tID\tTYPE\tSCALE\tFORMATS")
	for _, p := range planes {
		formats := make([]string, len(p.Formats))
		for i, pf := range p.Formats {
			formats[i] = pf.String()
		}
		scale := "no"
		if p.CanScale {
			scale = "yes"
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\n", p.Index, p.ID, p.Type, scale, strings.Join(formats, ","))
	}
	tw.Flush()
}
