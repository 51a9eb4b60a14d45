// Package config provides configuration parsing for planecomp.
// This file implements the Lua configuration parser.

package config

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/arnodel/golua/lib"
	rt "github.com/arnodel/golua/runtime"

	"github.com/opd-ai/planecomp/internal/kms"
	"github.com/opd-ai/planecomp/internal/pixel"
)

// LuaConfigParser parses Lua configuration files. It uses the Golua
// runtime to execute Lua code and extracts configuration values from the
// planecomp.config and planecomp.windows tables.
type LuaConfigParser struct {
	runtime *rt.Runtime
	cleanup func()
	mu      sync.Mutex
}

// NewLuaConfigParser creates a new LuaConfigParser with a fresh Lua runtime.
func NewLuaConfigParser() (*LuaConfigParser, error) {
	return NewLuaConfigParserWithOutput(io.Discard)
}

// NewLuaConfigParserWithOutput creates a LuaConfigParser with custom output.
func NewLuaConfigParserWithOutput(stdout io.Writer) (*LuaConfigParser, error) {
	if stdout == nil {
		stdout = os.Stdout
	}

	runtime := rt.New(stdout)
	cleanup := lib.LoadAll(runtime)

	return &LuaConfigParser{
		runtime: runtime,
		cleanup: cleanup,
	}, nil
}

// Parse parses a Lua configuration from content bytes.
func (p *LuaConfigParser) Parse(content []byte) (*Config, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cleanup == nil {
		return nil, fmt.Errorf("parser closed")
	}

	p.initGlobal()

	closure, err := p.runtime.CompileAndLoadLuaChunk(
		"config",
		content,
		rt.TableValue(p.runtime.GlobalEnv()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to compile Lua configuration: %w", err)
	}

	// Execute with resource limits
	ctx := rt.RuntimeContextDef{
		HardLimits: rt.RuntimeResources{
			Cpu:    10_000_000,
			Memory: 50 * 1024 * 1024, // 50 MB
		},
	}
	p.runtime.PushContext(ctx)
	defer p.runtime.PopContext()

	thread := p.runtime.MainThread()
	_, err = rt.Call1(thread, rt.FunctionValue(closure))
	if err != nil {
		return nil, fmt.Errorf("failed to execute Lua configuration: %w", err)
	}

	return p.extractConfig()
}

// initGlobal resets the planecomp global table.
func (p *LuaConfigParser) initGlobal() {
	global := rt.NewTable()
	global.Set(rt.StringValue("config"), rt.TableValue(rt.NewTable()))
	global.Set(rt.StringValue("windows"), rt.TableValue(rt.NewTable()))
	p.runtime.GlobalEnv().Set(rt.StringValue("planecomp"), rt.TableValue(global))
}

func (p *LuaConfigParser) extractConfig() (*Config, error) {
	cfg := DefaultConfig()

	globalVal := p.runtime.GlobalEnv().Get(rt.StringValue("planecomp"))
	if globalVal == rt.NilValue {
		return &cfg, nil
	}
	global, ok := globalVal.TryTable()
	if !ok {
		return nil, fmt.Errorf("planecomp is not a table")
	}

	if configTable, ok := global.Get(rt.StringValue("config")).TryTable(); ok {
		if err := p.extractConfigTable(&cfg, configTable); err != nil {
			return nil, err
		}
	}

	windowsVal := global.Get(rt.StringValue("windows"))
	if windowsVal != rt.NilValue {
		windows, ok := windowsVal.TryTable()
		if !ok {
			return nil, fmt.Errorf("planecomp.windows is not a table")
		}
		for i := int64(1); ; i++ {
			v := windows.Get(rt.IntValue(i))
			if v == rt.NilValue {
				break
			}
			wt, ok := v.TryTable()
			if !ok {
				return nil, fmt.Errorf("planecomp.windows[%d] is not a table", i)
			}
			wc, err := extractWindow(wt)
			if err != nil {
				return nil, fmt.Errorf("planecomp.windows[%d]: %w", i, err)
			}
			if wc.Name == "" {
				wc.Name = fmt.Sprintf("window%d", i)
			}
			cfg.Windows = append(cfg.Windows, wc)
		}
	}

	return &cfg, nil
}

// extractConfigTable extracts configuration values from the planecomp.config table.
func (p *LuaConfigParser) extractConfigTable(cfg *Config, table *rt.Table) error {
	// Device selection
	if val := getTableString(table, "device"); val != nil {
		k, err := ParseDeviceKind(*val)
		if err != nil {
			return fmt.Errorf("invalid device: %w", err)
		}
		cfg.Device.Kind = k
	}
	if val := getTableString(table, "device_path"); val != nil {
		cfg.Device.Path = *val
	}
	if val := getTableString(table, "driver"); val != nil {
		cfg.Device.Driver = *val
	}
	if val := getTableInt(table, "display_width"); val != nil {
		cfg.Device.Width = *val
	}
	if val := getTableInt(table, "display_height"); val != nil {
		cfg.Device.Height = *val
	}

	// Primary plane
	if val := getTableBool(table, "primary"); val != nil {
		cfg.Display.Primary = *val
	}
	if val := getTableInt(table, "buffers"); val != nil {
		cfg.Display.Buffers = *val
	}
	if val := getTableString(table, "primary_format"); val != nil {
		f, err := pixel.ParseFormat(*val)
		if err != nil {
			return fmt.Errorf("invalid primary_format: %w", err)
		}
		cfg.Display.Format = f
	}
	if val := getTableFloat(table, "update_interval"); val != nil {
		cfg.Display.UpdateInterval = time.Duration(*val * float64(time.Second))
	}
	if val := getTableString(table, "background"); val != nil {
		c, err := parseColor(*val)
		if err != nil {
			return fmt.Errorf("invalid background: %w", err)
		}
		cfg.Display.Background = c
	}

	// Preview
	if val := getTableBool(table, "preview"); val != nil {
		cfg.Preview.Enabled = *val
	}
	if val := getTableString(table, "preview_title"); val != nil {
		cfg.Preview.Title = *val
	}
	if val := getTableFloat(table, "preview_scale"); val != nil {
		cfg.Preview.Scale = *val
	}

	return nil
}

// extractWindow reads one entry of planecomp.windows.
func extractWindow(table *rt.Table) (WindowConfig, error) {
	wc := DefaultWindowConfig()

	if val := getTableString(table, "name"); val != nil {
		wc.Name = *val
	}
	if val := getTableInt(table, "x"); val != nil {
		wc.X = *val
	}
	if val := getTableInt(table, "y"); val != nil {
		wc.Y = *val
	}
	if val := getTableInt(table, "width"); val != nil {
		wc.Width = *val
	}
	if val := getTableInt(table, "height"); val != nil {
		wc.Height = *val
	}
	if val := getTableString(table, "format"); val != nil {
		f, err := pixel.ParseFormat(*val)
		if err != nil {
			return wc, fmt.Errorf("invalid format: %w", err)
		}
		wc.Format = f
	}
	if val := getTableString(table, "hint"); val != nil {
		h, err := kms.ParseHint(*val)
		if err != nil {
			return wc, fmt.Errorf("invalid hint: %w", err)
		}
		wc.Hint = h
	}
	if val := getTableBool(table, "visible"); val != nil {
		wc.Visible = *val
	}
	if val := getTableFloat(table, "scale"); val != nil {
		wc.ScaleX, wc.ScaleY = *val, *val
	}
	if val := getTableFloat(table, "scale_x"); val != nil {
		wc.ScaleX = *val
	}
	if val := getTableFloat(table, "scale_y"); val != nil {
		wc.ScaleY = *val
	}
	if val := getTableString(table, "color"); val != nil {
		c, err := parseColor(*val)
		if err != nil {
			return wc, fmt.Errorf("invalid color: %w", err)
		}
		wc.Color = c
	}
	if val := getTableInt(table, "dx"); val != nil {
		wc.Motion.DX = *val
	}
	if val := getTableInt(table, "dy"); val != nil {
		wc.Motion.DY = *val
	}
	if val := getTableBool(table, "async"); val != nil {
		wc.Async = *val
	}
	if val := getTableBool(table, "fallback"); val != nil {
		wc.Fallback = *val
	}

	return wc, nil
}

// Close releases resources associated with the parser's Lua runtime.
func (p *LuaConfigParser) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cleanup != nil {
		p.cleanup()
		p.cleanup = nil
	}
	return nil
}

// getTableBool retrieves a boolean value from a Lua table.
// Returns nil if the key doesn't exist or is not a boolean.
func getTableBool(table *rt.Table, key string) *bool {
	val := table.Get(rt.StringValue(key))
	if val == rt.NilValue {
		return nil
	}

	if b, ok := val.TryBool(); ok {
		return &b
	}

	// Handle string "true"/"false" for compatibility
	if s, ok := val.TryString(); ok {
		b := parseBool(s)
		return &b
	}

	return nil
}

// getTableString retrieves a string value from a Lua table.
// Returns nil if the key doesn't exist or is not a string.
func getTableString(table *rt.Table, key string) *string {
	val := table.Get(rt.StringValue(key))
	if val == rt.NilValue {
		return nil
	}

	if s, ok := val.TryString(); ok {
		return &s
	}

	return nil
}

// getTableFloat retrieves a float64 value from a Lua table.
// Returns nil if the key doesn't exist or is not a number.
func getTableFloat(table *rt.Table, key string) *float64 {
	val := table.Get(rt.StringValue(key))
	if val == rt.NilValue {
		return nil
	}

	if n, ok := val.TryFloat(); ok {
		return &n
	}

	if n, ok := val.TryInt(); ok {
		f := float64(n)
		return &f
	}

	return nil
}

// getTableInt retrieves an int value from a Lua table.
// Returns nil if the key doesn't exist or is not a number.
func getTableInt(table *rt.Table, key string) *int {
	val := table.Get(rt.StringValue(key))
	if val == rt.NilValue {
		return nil
	}

	if n, ok := val.TryInt(); ok {
		i := int(n)
		return &i
	}

	// Try float conversion (truncate)
	if f, ok := val.TryFloat(); ok {
		i := int(f)
		return &i
	}

	return nil
}
