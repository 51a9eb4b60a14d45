package pixel

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/draw"
)

// Image is a writable view over packed pixel memory, typically a mapped
// framebuffer. Only software-drawable formats are supported.
//
// Colors are stored premultiplied, like the software renderer expects.
type Image struct {
	Pix    []byte
	Stride int
	Rect   image.Rectangle
	Format Format
}

var _ draw.Image = (*Image)(nil)

// NewImage returns a view over data for a size.X x size.Y image.
func NewImage(data []byte, stride int, size image.Point, format Format) (*Image, error) {
	if !format.Drawable() {
		return nil, fmt.Errorf("%w: %s is not drawable", ErrUnsupportedFormat, format)
	}
	if size.X <= 0 || size.Y <= 0 {
		return nil, fmt.Errorf("pixel: invalid size %v", size)
	}
	if stride < format.Stride(size.X) {
		return nil, fmt.Errorf("pixel: stride %d too small for width %d", stride, size.X)
	}
	if len(data) < format.BufferLen(stride, size.Y) {
		return nil, fmt.Errorf("pixel: buffer of %d bytes too small for %v", len(data), size)
	}
	return &Image{
		Pix:    data,
		Stride: stride,
		Rect:   image.Rectangle{Max: size},
		Format: format,
	}, nil
}

// Alloc allocates a heap-backed image.
func Alloc(size image.Point, format Format) (*Image, error) {
	stride := format.Stride(size.X)
	return NewImage(make([]byte, format.BufferLen(stride, size.Y)), stride, size, format)
}

func (p *Image) ColorModel() color.Model { return color.RGBAModel }

func (p *Image) Bounds() image.Rectangle { return p.Rect }

func (p *Image) offset(x, y int) int {
	return (y-p.Rect.Min.Y)*p.Stride + (x-p.Rect.Min.X)*p.Format.BitsPerPixel()/8
}

func (p *Image) At(x, y int) color.Color {
	return p.RGBAAt(x, y)
}

// RGBAAt returns the pixel at (x, y) as premultiplied RGBA.
func (p *Image) RGBAAt(x, y int) color.RGBA {
	if !(image.Point{X: x, Y: y}).In(p.Rect) {
		return color.RGBA{}
	}
	i := p.offset(x, y)
	switch p.Format {
	case RGB565:
		v := binary.LittleEndian.Uint16(p.Pix[i:])
		r := uint8(v>>11) & 0x1f
		g := uint8(v>>5) & 0x3f
		b := uint8(v) & 0x1f
		return color.RGBA{R: r<<3 | r>>2, G: g<<2 | g>>4, B: b<<3 | b>>2, A: 0xff}
	case ARGB8888:
		return color.RGBA{R: p.Pix[i+2], G: p.Pix[i+1], B: p.Pix[i], A: p.Pix[i+3]}
	case XRGB8888:
		return color.RGBA{R: p.Pix[i+2], G: p.Pix[i+1], B: p.Pix[i], A: 0xff}
	}
	return color.RGBA{}
}

func (p *Image) Set(x, y int, c color.Color) {
	p.SetRGBA(x, y, color.RGBAModel.Convert(c).(color.RGBA))
}

// SetRGBA stores a premultiplied color at (x, y).
func (p *Image) SetRGBA(x, y int, c color.RGBA) {
	if !(image.Point{X: x, Y: y}).In(p.Rect) {
		return
	}
	i := p.offset(x, y)
	switch p.Format {
	case RGB565:
		v := uint16(c.R>>3)<<11 | uint16(c.G>>2)<<5 | uint16(c.B>>3)
		binary.LittleEndian.PutUint16(p.Pix[i:], v)
	case ARGB8888:
		p.Pix[i], p.Pix[i+1], p.Pix[i+2], p.Pix[i+3] = c.B, c.G, c.R, c.A
	case XRGB8888:
		p.Pix[i], p.Pix[i+1], p.Pix[i+2], p.Pix[i+3] = c.B, c.G, c.R, 0xff
	}
}

// SubImage returns a view sharing pixels with p.
func (p *Image) SubImage(r image.Rectangle) *Image {
	r = r.Intersect(p.Rect)
	if r.Empty() {
		return &Image{Format: p.Format}
	}
	i := p.offset(r.Min.X, r.Min.Y)
	return &Image{Pix: p.Pix[i:], Stride: p.Stride, Rect: r, Format: p.Format}
}

// Fill sets every pixel in r to c.
func (p *Image) Fill(r image.Rectangle, c color.Color) {
	r = r.Intersect(p.Rect)
	if r.Empty() {
		return
	}
	rgba := color.RGBAModel.Convert(c).(color.RGBA)
	bpp := p.Format.BitsPerPixel() / 8
	// Write the first row pixel by pixel, then replicate it.
	for x := r.Min.X; x < r.Max.X; x++ {
		p.SetRGBA(x, r.Min.Y, rgba)
	}
	first := p.offset(r.Min.X, r.Min.Y)
	n := r.Dx() * bpp
	for y := r.Min.Y + 1; y < r.Max.Y; y++ {
		copy(p.Pix[p.offset(r.Min.X, y):], p.Pix[first:first+n])
	}
}

// CopyRect copies r from src into dst at the same coordinates. Both images
// must share a format; rows are copied directly.
func CopyRect(dst, src *Image, r image.Rectangle) error {
	if dst.Format != src.Format {
		return fmt.Errorf("%w: copy %s to %s", ErrUnsupportedFormat, src.Format, dst.Format)
	}
	r = r.Intersect(dst.Rect).Intersect(src.Rect)
	if r.Empty() {
		return nil
	}
	n := r.Dx() * dst.Format.BitsPerPixel() / 8
	for y := r.Min.Y; y < r.Max.Y; y++ {
		di := dst.offset(r.Min.X, y)
		si := src.offset(r.Min.X, y)
		copy(dst.Pix[di:di+n], src.Pix[si:si+n])
	}
	return nil
}
