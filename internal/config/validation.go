// Package config provides configuration parsing and validation for planecomp.
// This file implements validation of configuration values.
package config

import (
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/opd-ai/planecomp/internal/kms"
)

// ValidationError represents a configuration validation error.
// It contains the field name and a description of the issue.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (ve ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ve.Field, ve.Message)
}

// ValidationResult holds the results of a configuration validation.
type ValidationResult struct {
	// Errors contains all validation errors found.
	Errors []ValidationError
	// Warnings contains non-fatal issues (e.g., off-screen windows).
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (vr *ValidationResult) IsValid() bool {
	return len(vr.Errors) == 0
}

// Error returns the joined errors, or nil.
func (vr *ValidationResult) Error() error {
	if len(vr.Errors) == 0 {
		return nil
	}

	errs := make([]error, 0, len(vr.Errors))
	for _, e := range vr.Errors {
		errs = append(errs, e)
	}
	return fmt.Errorf("validation failed: %w", errors.Join(errs...))
}

// AddError adds a validation error.
func (vr *ValidationResult) AddError(field, message string) {
	vr.Errors = append(vr.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (vr *ValidationResult) AddWarning(field, message string) {
	vr.Warnings = append(vr.Warnings, ValidationError{Field: field, Message: message})
}

// Merge combines another ValidationResult into this one.
func (vr *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	vr.Errors = append(vr.Errors, other.Errors...)
	vr.Warnings = append(vr.Warnings, other.Warnings...)
}

// Validator checks a Config.
type Validator struct {
	// strictMode turns warnings into errors.
	strictMode bool
}

// NewValidator creates a new Validator with default settings.
func NewValidator() *Validator {
	return &Validator{}
}

// WithStrictMode enables strict validation where warnings are errors.
func (v *Validator) WithStrictMode(strict bool) *Validator {
	v.strictMode = strict
	return v
}

// Validate performs validation of a Config.
func (v *Validator) Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	v.validateDevice(&cfg.Device, result)
	v.validateDisplay(&cfg.Display, result)

	display := image.Rect(0, 0, cfg.Device.Width, cfg.Device.Height)
	names := make(map[string]bool, len(cfg.Windows))
	for i := range cfg.Windows {
		wc := &cfg.Windows[i]
		field := fmt.Sprintf("windows[%d]", i+1)
		if names[wc.Name] {
			result.AddError(field+".name", fmt.Sprintf("duplicate window name %q", wc.Name))
		}
		names[wc.Name] = true
		v.validateWindow(field, wc, cfg.Device.Kind == DeviceSim, display, result)
	}

	if cfg.Preview.Scale < 0 {
		result.AddError("preview_scale", "must not be negative")
	}
	if cfg.Preview.Enabled && cfg.Device.Kind != DeviceSim {
		result.AddWarning("preview", "preview only shows the simulated device")
	}

	if v.strictMode {
		result.Errors = append(result.Errors, result.Warnings...)
		result.Warnings = nil
	}
	return result
}

func (v *Validator) validateDevice(dc *DeviceConfig, result *ValidationResult) {
	if dc.Kind == DeviceDRM && dc.Path == "" && dc.Driver == "" {
		result.AddError("device", "drm device needs device_path or driver")
	}
	if dc.Kind == DeviceSim && (dc.Width <= 0 || dc.Height <= 0) {
		result.AddError("display_width", fmt.Sprintf("invalid simulated display size %dx%d", dc.Width, dc.Height))
	}
}

func (v *Validator) validateDisplay(dc *DisplayConfig, result *ValidationResult) {
	if dc.Buffers < 0 {
		result.AddError("buffers", "must not be negative")
	}
	if dc.Buffers > 8 {
		result.AddWarning("buffers", fmt.Sprintf("%d buffers per plane is unusually high", dc.Buffers))
	}
	if !dc.Format.IsValid() {
		result.AddError("primary_format", "invalid format")
	} else if !dc.Format.Drawable() {
		result.AddError("primary_format", fmt.Sprintf("%s cannot be drawn by the compositor", dc.Format))
	}
	if dc.UpdateInterval <= 0 {
		result.AddError("update_interval", "must be positive")
	} else if dc.UpdateInterval < time.Millisecond {
		result.AddWarning("update_interval", "below 1ms")
	}
}

func (v *Validator) validateWindow(field string, wc *WindowConfig, sim bool, display image.Rectangle, result *ValidationResult) {
	if wc.Width <= 0 || wc.Height <= 0 {
		result.AddError(field, fmt.Sprintf("invalid size %dx%d", wc.Width, wc.Height))
	}
	if !wc.Format.IsValid() {
		result.AddError(field+".format", "invalid format")
	}
	if (wc.Hint == kms.HintSoftware || wc.Fallback) && wc.Format.IsValid() && !wc.Format.Drawable() {
		result.AddError(field+".format", fmt.Sprintf("software windows cannot use %s", wc.Format))
	}
	if wc.ScaleX < 0 || wc.ScaleY < 0 {
		result.AddError(field+".scale", "must not be negative")
	}
	if (wc.ScaleX != 0 || wc.ScaleY != 0) && wc.Hint != kms.HintHEO {
		result.AddWarning(field+".scale", "scaling requires the heo hint")
	}
	if sim && !wc.Box().Empty() && !wc.Box().In(display) {
		result.AddWarning(field, fmt.Sprintf("box %v extends past the display", wc.Box()))
	}
}
