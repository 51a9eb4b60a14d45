package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/opd-ai/planecomp/internal/kms"
	"github.com/opd-ai/planecomp/internal/pixel"
)

func validWindow(name string) WindowConfig {
	wc := DefaultWindowConfig()
	wc.Name = name
	wc.Width, wc.Height = 100, 100
	return wc
}

func TestValidateDefaults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Windows = []WindowConfig{validWindow("a"), validWindow("b")}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestValidatorErrors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"negative buffers", func(c *Config) { c.Display.Buffers = -1 }, "buffers"},
		{"yuv primary", func(c *Config) { c.Display.Format = pixel.NV21 }, "primary_format"},
		{"zero interval", func(c *Config) { c.Display.UpdateInterval = 0 }, "update_interval"},
		{"sim size", func(c *Config) { c.Device.Width = 0 }, "display_width"},
		{"drm without target", func(c *Config) {
			c.Device.Kind = DeviceDRM
			c.Device.Driver = ""
		}, "device"},
		{"duplicate name", func(c *Config) {
			c.Windows = []WindowConfig{validWindow("a"), validWindow("a")}
		}, "windows[2].name"},
		{"empty window", func(c *Config) {
			w := validWindow("a")
			w.Height = 0
			c.Windows = []WindowConfig{w}
		}, "windows[1]"},
		{"software yuv", func(c *Config) {
			w := validWindow("a")
			w.Hint = kms.HintSoftware
			w.Format = pixel.YUYV
			c.Windows = []WindowConfig{w}
		}, "windows[1].format"},
		{"negative scale", func(c *Config) {
			w := validWindow("a")
			w.Hint = kms.HintHEO
			w.ScaleX = -1
			c.Windows = []WindowConfig{w}
		}, "windows[1].scale"},
		{"preview scale", func(c *Config) { c.Preview.Scale = -2 }, "preview_scale"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)

			result := NewValidator().Validate(&cfg)
			if result.IsValid() {
				t.Fatal("expected validation errors")
			}
			found := false
			for _, e := range result.Errors {
				if e.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("errors = %v, want one for %s", result.Errors, tt.field)
			}
		})
	}
}

func TestValidatorWarnings(t *testing.T) {
	cfg := DefaultConfig()
	off := validWindow("off")
	off.X = 780
	scaled := validWindow("scaled")
	scaled.ScaleX = 2
	cfg.Windows = []WindowConfig{off, scaled}
	cfg.Display.UpdateInterval = time.Microsecond

	result := NewValidator().Validate(&cfg)
	if !result.IsValid() {
		t.Fatalf("unexpected errors: %v", result.Errors)
	}
	if len(result.Warnings) != 3 {
		t.Errorf("warnings = %v, want 3", result.Warnings)
	}

	strict := NewValidator().WithStrictMode(true).Validate(&cfg)
	if strict.IsValid() || len(strict.Warnings) != 0 {
		t.Errorf("strict result = %+v, want warnings promoted", strict)
	}
}

func TestValidationResultError(t *testing.T) {
	var vr ValidationResult
	if vr.Error() != nil {
		t.Error("empty result should have no error")
	}
	vr.AddError("buffers", "must not be negative")
	vr.AddError("windows[1]", "invalid size 0x0")

	err := vr.Error()
	if err == nil {
		t.Fatal("Error() = nil")
	}
	var ve ValidationError
	if !errors.As(err, &ve) || ve.Field != "buffers" {
		t.Errorf("errors.As = %v, want first ValidationError", ve)
	}
	if !strings.Contains(err.Error(), "invalid size") {
		t.Errorf("Error() = %v", err)
	}

	other := &ValidationResult{}
	other.AddWarning("preview", "ignored")
	vr.Merge(other)
	vr.Merge(nil)
	if len(vr.Warnings) != 1 {
		t.Errorf("Merge warnings = %d, want 1", len(vr.Warnings))
	}
}

func TestParseDeviceKind(t *testing.T) {
	for in, want := range map[string]DeviceKind{"sim": DeviceSim, "": DeviceSim, "DRM": DeviceDRM, "kms": DeviceDRM} {
		got, err := ParseDeviceKind(in)
		if err != nil || got != want {
			t.Errorf("ParseDeviceKind(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseDeviceKind("fbdev"); err == nil {
		t.Error("ParseDeviceKind(fbdev) should fail")
	}
	if DeviceDRM.String() != "drm" || DeviceKind(9).String() != "unknown" {
		t.Error("DeviceKind.String mismatch")
	}
}
