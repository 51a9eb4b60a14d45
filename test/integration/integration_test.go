//go:build integration

// Package integration runs the compositor end to end against the example
// configurations and, when PLANECOMP_DRM_DEVICE names a device node, against
// real display hardware.
package integration

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/opd-ai/planecomp/pkg/planecomp"
)

// getTestConfigsDir returns the path to the test configs directory.
// It calls t.Fatal if runtime.Caller fails.
func getTestConfigsDir(t *testing.T) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed to get current file path")
	}
	return filepath.Join(filepath.Dir(file), "..", "configs")
}

func options() *planecomp.Options {
	opts := planecomp.DefaultOptions()
	opts.Headless = true
	opts.Metrics = planecomp.NewMetrics()
	opts.Logger = planecomp.NopLogger()
	return &opts
}

// run starts the compositor, lets it render for d and stops it.
func run(t *testing.T, c planecomp.Compositor, d time.Duration) planecomp.Status {
	t.Helper()
	if err := c.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(d)
	st := c.Status()
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	return st
}

func TestExampleConfigs(t *testing.T) {
	tests := []struct {
		file     string
		windows  int
		hardware int
		planes   int
	}{
		{"demo.lua", 3, 3, 4},
		{"fallback.lua", 6, 3, 4},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			c, err := planecomp.New(filepath.Join(getTestConfigsDir(t), tt.file), options())
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if err := c.Start(); err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			defer c.Stop()

			windows := c.Windows()
			if len(windows) != tt.windows {
				t.Fatalf("Windows() = %d, want %d", len(windows), tt.windows)
			}
			hw := 0
			for _, w := range windows {
				if w.Hardware {
					hw++
				}
			}
			if hw != tt.hardware {
				t.Errorf("hardware windows = %d, want %d", hw, tt.hardware)
			}
			if got := c.Status().PlanesInUse; got != tt.planes {
				t.Errorf("PlanesInUse = %d, want %d", got, tt.planes)
			}
			if h := c.Health(); h.Status == planecomp.HealthUnhealthy {
				t.Errorf("Health() = %s: %s", h.Status, h.Message)
			}
		})
	}
}

func TestFrameLoop(t *testing.T) {
	opts := options()
	opts.UpdateInterval = 5 * time.Millisecond
	c, err := planecomp.New(filepath.Join(getTestConfigsDir(t), "demo.lua"), opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	st := run(t, c, 200*time.Millisecond)
	if st.Frames < 5 {
		t.Errorf("Frames = %d after 200ms at 5ms, want at least 5", st.Frames)
	}
	snap := opts.Metrics.Snapshot()
	if snap.Flips == 0 {
		t.Error("no flips recorded")
	}
	if c.IsRunning() {
		t.Error("compositor still running after Stop()")
	}
}

func TestRepeatedStartStop(t *testing.T) {
	c, err := planecomp.New(filepath.Join(getTestConfigsDir(t), "fallback.lua"), options())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	for i := 0; i < 5; i++ {
		st := run(t, c, 10*time.Millisecond)
		if st.PlanesInUse != 4 {
			t.Fatalf("cycle %d: PlanesInUse = %d, want 4", i, st.PlanesInUse)
		}
	}
	if got := c.Status().PlanesInUse; got != 0 {
		t.Errorf("PlanesInUse after Stop() = %d, want 0", got)
	}
}

// TestHardwareDevice needs a KMS capable device, e.g.
// PLANECOMP_DRM_DEVICE=/dev/dri/card0, and a connected display.
func TestHardwareDevice(t *testing.T) {
	path := os.Getenv("PLANECOMP_DRM_DEVICE")
	if path == "" {
		t.Skip("PLANECOMP_DRM_DEVICE not set")
	}
	opts := options()
	opts.DevicePath = path
	c, err := planecomp.New(filepath.Join(getTestConfigsDir(t), "demo.lua"), opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	st := run(t, c, time.Second)
	if st.PlanesInUse == 0 {
		t.Error("no planes in use on hardware")
	}
	t.Logf("%s %v: %d frames, %d planes", st.Device, st.DisplaySize, st.Frames, st.PlanesInUse)
}
