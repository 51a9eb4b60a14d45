// Package preview shows the output of the simulated display controller
// in a desktop window using Ebiten.
package preview

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"

	"github.com/hajimehoshi/ebiten/v2"

	"github.com/opd-ai/planecomp/internal/simdev"
)

// ErrClosed is returned from Update when the preview context is cancelled.
var ErrClosed = errors.New("preview closed")

// Source provides the planes to show.
type Source interface {
	Snapshot() []simdev.Layer
	DisplaySize() image.Point
}

// Config holds the preview window options.
type Config struct {
	// Title is the window title.
	Title string
	// Scale multiplies the display size to get the window size.
	Scale float64
	// Background is shown where no plane covers the display.
	Background color.RGBA
}

// DefaultConfig returns the default preview options.
func DefaultConfig() Config {
	return Config{
		Title:      "planecomp",
		Scale:      1,
		Background: color.RGBA{A: 0xff},
	}
}

// Game implements ebiten.Game over a Source.
type Game struct {
	config Config
	source Source

	mu      sync.RWMutex
	frame   *image.RGBA
	img     *ebiten.Image
	ctx     context.Context
	running bool
}

// NewGame creates a preview of src.
func NewGame(src Source, config Config) *Game {
	if config.Scale <= 0 {
		config.Scale = 1
	}
	size := src.DisplaySize()
	return &Game{
		config: config,
		source: src,
		frame:  image.NewRGBA(image.Rectangle{Max: size}),
	}
}

// SetContext ends the game loop when ctx is cancelled.
func (g *Game) SetContext(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ctx = ctx
}

// Update implements ebiten.Game.Update. It recomposes the planes.
func (g *Game) Update() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ctx != nil {
		select {
		case <-g.ctx.Done():
			return ErrClosed
		default:
		}
	}
	Compose(g.frame, g.source.Snapshot(), g.config.Background)
	return nil
}

// Draw implements ebiten.Game.Draw.
func (g *Game) Draw(screen *ebiten.Image) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.img == nil {
		b := g.frame.Bounds()
		g.img = ebiten.NewImage(b.Dx(), b.Dy())
	}
	g.img.WritePixels(g.frame.Pix)
	screen.DrawImage(g.img, nil)
}

// Layout implements ebiten.Game.Layout. The logical screen is the
// display resolution; Ebiten scales it to the window.
func (g *Game) Layout(outsideWidth, outsideHeight int) (int, int) {
	b := g.frame.Bounds()
	return b.Dx(), b.Dy()
}

// Frame returns a copy of the last composed frame.
func (g *Game) Frame() *image.RGBA {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := image.NewRGBA(g.frame.Bounds())
	copy(out.Pix, g.frame.Pix)
	return out
}

// Run opens the window and blocks until it is closed or the context ends.
func (g *Game) Run() error {
	b := g.frame.Bounds()
	ebiten.SetWindowSize(int(float64(b.Dx())*g.config.Scale), int(float64(b.Dy())*g.config.Scale))
	ebiten.SetWindowTitle(g.config.Title)
	ebiten.SetWindowResizingMode(ebiten.WindowResizingModeEnabled)

	g.mu.Lock()
	g.running = true
	g.mu.Unlock()

	err := ebiten.RunGame(g)

	g.mu.Lock()
	g.running = false
	g.mu.Unlock()

	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// IsRunning reports whether the window is open.
func (g *Game) IsRunning() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.running
}
