package planecomp

import (
	"image"
	"image/color"

	xdraw "golang.org/x/image/draw"

	"github.com/opd-ai/planecomp/internal/config"
	"github.com/opd-ai/planecomp/internal/pixel"
	"github.com/opd-ai/planecomp/internal/window"
)

// scene is one configured window and the content the compositor draws
// into it every frame.
type scene struct {
	cfg     config.WindowConfig
	win     *window.PlaneWindow
	breaker *CircuitBreaker
	motion  image.Point
	tick    int
}

func (c *compositorImpl) newScene(wc config.WindowConfig) *scene {
	opts := []window.Option{window.WithName(wc.Name), window.WithLogger(c.log)}
	if wc.Fallback {
		opts = append(opts, window.WithSoftwareFallback())
	}
	if !wc.Visible {
		opts = append(opts, window.Hidden())
	}
	s := &scene{
		cfg:    wc,
		win:    window.New(c.frame, c.display, wc.Box(), wc.Format, wc.Hint, opts...),
		motion: image.Pt(wc.Motion.DX, wc.Motion.DY),
	}
	s.win.SetScale(wc.ScaleX, wc.ScaleY)
	s.breaker = NewCircuitBreaker(CircuitBreakerConfig{
		Timeout: c.opts.AllocationRetry,
		OnStateChange: func(from, to CircuitState) {
			if to == CircuitOpen {
				c.log.Warn("window keeps failing, backing off", "window", wc.Name, "retry", c.opts.AllocationRetry)
			}
		},
	})
	return s
}

// step advances the window by its motion, bouncing off the display edges.
func (s *scene) step(display image.Point) {
	if s.motion == (image.Point{}) || !s.win.Visible() {
		return
	}
	box := s.win.Box()
	if box.Empty() {
		return
	}
	if nx := box.Min.X + s.motion.X; nx < 0 || nx+box.Dx() > display.X {
		s.motion.X = -s.motion.X
	}
	if ny := box.Min.Y + s.motion.Y; ny < 0 || ny+box.Dy() > display.Y {
		s.motion.Y = -s.motion.Y
	}
	s.win.Move(box.Min.Add(s.motion))
}

// begin commits pending geometry, allocating the screen on first use.
func (s *scene) begin() error {
	return s.breaker.Execute(s.win.BeginDraw)
}

// draw renders the window content and flips it.
func (s *scene) draw() error {
	if !s.win.Visible() {
		return nil
	}
	scr := s.win.Screen()
	if scr == nil {
		return nil
	}
	if ctx := scr.Context(); ctx != nil {
		paintContent(ctx, scr.Bounds(), s.cfg.Color, s.tick)
	} else {
		buf := scr.Buffer()
		if err := pixel.FillRaw(buf.Data, buf.Stride, scr.Size(), scr.Format(), s.cfg.Color); err != nil {
			return err
		}
	}
	s.tick++
	return s.win.Flip(scr.Bounds())
}

// software reports whether the window is composited into the primary plane.
func (s *scene) software() bool {
	_, hw := s.win.HardwarePlane()
	return !hw && s.win.Screen() != nil
}

func (s *scene) info() WindowInfo {
	wi := WindowInfo{
		Name:    s.cfg.Name,
		Box:     s.win.Box(),
		Visible: s.win.Visible(),
		State:   s.win.State().String(),
		Plane:   -1,
		Format:  s.cfg.Format.String(),
	}
	if o, ok := s.win.HardwarePlane(); ok {
		wi.Hardware = true
		wi.Plane = o.Plane().Index()
		wi.PlaneType = o.Plane().Type().String()
	}
	return wi
}

// paintContent fills r with fill, draws a darker border and a sweeping
// bar so flips are visible.
func paintContent(dst xdraw.Image, r image.Rectangle, fill color.RGBA, tick int) {
	xdraw.Draw(dst, r, image.NewUniform(fill), image.Point{}, xdraw.Src)

	edge := color.RGBA{R: fill.R / 2, G: fill.G / 2, B: fill.B / 2, A: fill.A}
	const bw = 2
	for _, b := range []image.Rectangle{
		{Min: r.Min, Max: image.Pt(r.Max.X, r.Min.Y+bw)},
		{Min: image.Pt(r.Min.X, r.Max.Y-bw), Max: r.Max},
		{Min: r.Min, Max: image.Pt(r.Min.X+bw, r.Max.Y)},
		{Min: image.Pt(r.Max.X-bw, r.Min.Y), Max: r.Max},
	} {
		xdraw.Draw(dst, b.Intersect(r), image.NewUniform(edge), image.Point{}, xdraw.Src)
	}

	if w := r.Dx(); w > 0 {
		x := r.Min.X + tick%w
		bar := image.Rect(x, r.Min.Y+bw, x+4, r.Max.Y-bw).Intersect(r)
		inv := color.RGBA{R: 0xff - fill.R, G: 0xff - fill.G, B: 0xff - fill.B, A: 0xff}
		xdraw.Draw(dst, bar, image.NewUniform(inv), image.Point{}, xdraw.Src)
	}
}
