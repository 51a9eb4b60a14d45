package config

import (
	"image/color"
	"strings"
	"testing"
	"time"

	"github.com/opd-ai/planecomp/internal/kms"
	"github.com/opd-ai/planecomp/internal/pixel"
)

func TestLuaConfigParserBasic(t *testing.T) {
	parser, err := NewLuaConfigParser()
	if err != nil {
		t.Fatalf("NewLuaConfigParser() error = %v", err)
	}
	defer parser.Close()

	content := []byte(`
planecomp.config = {
    device = 'sim',
    display_width = 1024,
    display_height = 600,
    buffers = 2,
    primary_format = 'rgb565',
    update_interval = 0.5,
    background = '#102030',
    preview = true,
    preview_scale = 1.5,
}

planecomp.windows = {
    {
        name = 'video',
        x = 10, y = 20, width = 320, height = 240,
        format = 'yuyv',
        hint = 'heo',
        scale = 2,
    },
    {
        name = 'pointer',
        x = 0, y = 0, width = 32, height = 32,
        hint = 'cursor_overlay',
        color = 'red',
        dx = 3, dy = -2,
        async = true,
    },
}
`)

	cfg, err := parser.Parse(content)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Device.Kind != DeviceSim {
		t.Errorf("Device.Kind = %v, want sim", cfg.Device.Kind)
	}
	if cfg.Device.Width != 1024 || cfg.Device.Height != 600 {
		t.Errorf("display size = %dx%d, want 1024x600", cfg.Device.Width, cfg.Device.Height)
	}
	if cfg.Display.Buffers != 2 {
		t.Errorf("Buffers = %d, want 2", cfg.Display.Buffers)
	}
	if cfg.Display.Format != pixel.RGB565 {
		t.Errorf("Format = %v, want rgb565", cfg.Display.Format)
	}
	if cfg.Display.UpdateInterval != 500*time.Millisecond {
		t.Errorf("UpdateInterval = %v, want 500ms", cfg.Display.UpdateInterval)
	}
	if want := (color.RGBA{R: 0x10, G: 0x20, B: 0x30, A: 0xff}); cfg.Display.Background != want {
		t.Errorf("Background = %v, want %v", cfg.Display.Background, want)
	}
	if !cfg.Preview.Enabled || cfg.Preview.Scale != 1.5 {
		t.Errorf("Preview = %+v", cfg.Preview)
	}

	if len(cfg.Windows) != 2 {
		t.Fatalf("len(Windows) = %d, want 2", len(cfg.Windows))
	}
	video := cfg.Windows[0]
	if video.Name != "video" || video.Hint != kms.HintHEO || video.Format != pixel.YUYV {
		t.Errorf("video = %+v", video)
	}
	if video.ScaleX != 2 || video.ScaleY != 2 {
		t.Errorf("video scale = %v,%v, want 2,2", video.ScaleX, video.ScaleY)
	}
	if video.Box().Dx() != 320 || video.Box().Min.X != 10 {
		t.Errorf("video box = %v", video.Box())
	}
	if !video.Visible {
		t.Error("windows should default to visible")
	}

	pointer := cfg.Windows[1]
	if pointer.Hint != kms.HintCursor {
		t.Errorf("pointer hint = %v, want cursor", pointer.Hint)
	}
	if pointer.Format != pixel.ARGB8888 {
		t.Errorf("pointer format = %v, want default argb8888", pointer.Format)
	}
	if pointer.Motion != (Motion{DX: 3, DY: -2}) || !pointer.Async {
		t.Errorf("pointer = %+v", pointer)
	}
	if pointer.Color != (color.RGBA{R: 255, A: 255}) {
		t.Errorf("pointer color = %v", pointer.Color)
	}
}

func TestLuaConfigParserDefaults(t *testing.T) {
	parser, err := NewLuaConfigParser()
	if err != nil {
		t.Fatalf("NewLuaConfigParser() error = %v", err)
	}
	defer parser.Close()

	cfg, err := parser.Parse([]byte(`-- empty`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	def := DefaultConfig()
	if cfg.Device != def.Device || cfg.Display != def.Display {
		t.Errorf("cfg = %+v, want defaults", cfg)
	}
	if len(cfg.Windows) != 0 {
		t.Errorf("Windows = %v, want none", cfg.Windows)
	}
}

func TestLuaConfigParserUnnamedWindows(t *testing.T) {
	parser, _ := NewLuaConfigParser()
	defer parser.Close()

	cfg, err := parser.Parse([]byte(`
planecomp.windows = {
    { width = 10, height = 10 },
    { width = 20, height = 20, visible = 'no' },
}`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Windows[0].Name != "window1" || cfg.Windows[1].Name != "window2" {
		t.Errorf("names = %q, %q", cfg.Windows[0].Name, cfg.Windows[1].Name)
	}
	if cfg.Windows[1].Visible {
		t.Error("visible = 'no' should hide the window")
	}
}

func TestLuaConfigParserComputedValues(t *testing.T) {
	parser, _ := NewLuaConfigParser()
	defer parser.Close()

	cfg, err := parser.Parse([]byte(`
local tiles = {}
for i = 0, 2 do
    tiles[#tiles + 1] = { name = 'tile' .. i, x = i * 100, width = 90, height = 90 }
end
planecomp.windows = tiles
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(cfg.Windows) != 3 {
		t.Fatalf("len(Windows) = %d, want 3", len(cfg.Windows))
	}
	if cfg.Windows[2].X != 200 || cfg.Windows[2].Name != "tile2" {
		t.Errorf("tile2 = %+v", cfg.Windows[2])
	}
}

func TestLuaConfigParserErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"syntax", `planecomp.config = {`, "compile"},
		{"runtime", `error("boom")`, "execute"},
		{"device", `planecomp.config = { device = 'fbdev' }`, "invalid device"},
		{"format", `planecomp.config = { primary_format = 'rgb888' }`, "primary_format"},
		{"color", `planecomp.config = { background = 'chartreuse' }`, "background"},
		{"window table", `planecomp.windows = { 'video' }`, "windows[1]"},
		{"window hint", `planecomp.windows = { { hint = 'sprite' } }`, "invalid hint"},
		{"window format", `planecomp.windows = { { format = 'bgr' } }`, "invalid format"},
		{"windows type", `planecomp.windows = 3`, "not a table"},
		{"global", `planecomp = 1`, "not a table"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parser, _ := NewLuaConfigParser()
			defer parser.Close()

			_, err := parser.Parse([]byte(tt.content))
			if err == nil {
				t.Fatal("Parse() error = nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Parse() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLuaConfigParserReuse(t *testing.T) {
	parser, _ := NewLuaConfigParser()
	defer parser.Close()

	if _, err := parser.Parse([]byte(`planecomp.windows = { { name = 'a', width = 1, height = 1 } }`)); err != nil {
		t.Fatal(err)
	}
	cfg, err := parser.Parse([]byte(`-- nothing`))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Windows) != 0 {
		t.Errorf("windows leaked between parses: %v", cfg.Windows)
	}
}

func TestLuaConfigParserClosed(t *testing.T) {
	parser, _ := NewLuaConfigParser()
	parser.Close()
	if err := parser.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
	if _, err := parser.Parse([]byte(``)); err == nil {
		t.Error("Parse() after Close should fail")
	}
}

func TestParseColor(t *testing.T) {
	tests := []struct {
		in      string
		want    color.RGBA
		wantErr bool
	}{
		{"white", color.RGBA{255, 255, 255, 255}, false},
		{" Gray ", color.RGBA{128, 128, 128, 255}, false},
		{"#ff8000", color.RGBA{255, 128, 0, 255}, false},
		{"00ff00", color.RGBA{0, 255, 0, 255}, false},
		{"#ffffff80", color.RGBA{128, 128, 128, 128}, false},
		{"transparent", color.RGBA{}, false},
		{"#fff", color.RGBA{}, true},
		{"zzzzzz", color.RGBA{}, true},
	}
	for _, tt := range tests {
		got, err := parseColor(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseColor(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseColor(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseBool(t *testing.T) {
	for in, want := range map[string]bool{"yes": true, "TRUE": true, "1": true, "on": true, "no": false, "": false, "off": false} {
		if got := parseBool(in); got != want {
			t.Errorf("parseBool(%q) = %v, want %v", in, got, want)
		}
	}
}
