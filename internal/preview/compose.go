package preview

import (
	"image"
	"image/color"

	xdraw "golang.org/x/image/draw"

	"github.com/opd-ai/planecomp/internal/drm"
	"github.com/opd-ai/planecomp/internal/simdev"
)

// Compose blends the layers over bg into dst the way the display
// controller would: the primary plane replaces, overlays and cursors
// blend over it at their committed position, pan region and scale.
func Compose(dst *image.RGBA, layers []simdev.Layer, bg color.Color) {
	xdraw.Draw(dst, dst.Bounds(), image.NewUniform(bg), image.Point{}, xdraw.Src)
	for _, l := range layers {
		size := l.Image.Bounds().Size()
		sr := l.State.Source(size)
		dr := l.State.Destination(size)
		op := xdraw.Over
		if l.Plane.Type == drm.PlanePrimary {
			op = xdraw.Src
		}
		if dr.Size() == sr.Size() {
			xdraw.Draw(dst, dr, l.Image, sr.Min, op)
			continue
		}
		xdraw.ApproxBiLinear.Scale(dst, dr, l.Image, sr, op, nil)
	}
}
