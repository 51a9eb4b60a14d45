package pixel

import (
	"fmt"
	"image"
	"image/color"
)

// Decode returns a read-only image over data for any valid format. Drawable
// formats return an *Image; YUV formats return YCbCr-backed views.
func Decode(data []byte, stride int, size image.Point, format Format) (image.Image, error) {
	if !format.IsValid() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if format.Drawable() {
		img, err := NewImage(data, stride, size, format)
		if err != nil {
			return nil, err
		}
		return img, nil
	}
	if size.X <= 0 || size.Y <= 0 {
		return nil, fmt.Errorf("pixel: invalid size %v", size)
	}
	if stride < format.Stride(size.X) || len(data) < format.BufferLen(stride, size.Y) {
		return nil, fmt.Errorf("pixel: buffer too small for %s %v", format, size)
	}
	rect := image.Rectangle{Max: size}
	switch format {
	case YUV420:
		ylen := stride * size.Y
		cstride := (stride + 1) / 2
		clen := cstride * ((size.Y + 1) / 2)
		return &image.YCbCr{
			Y:              data[:ylen],
			Cb:             data[ylen : ylen+clen],
			Cr:             data[ylen+clen : ylen+2*clen],
			YStride:        stride,
			CStride:        cstride,
			SubsampleRatio: image.YCbCrSubsampleRatio420,
			Rect:           rect,
		}, nil
	case NV21:
		return &nv21Image{pix: data, stride: stride, rect: rect}, nil
	case YUYV:
		return &yuyvImage{pix: data, stride: stride, rect: rect}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
}

// yuyvImage reads packed 4:2:2 data: Y0 U Y1 V per pixel pair.
type yuyvImage struct {
	pix    []byte
	stride int
	rect   image.Rectangle
}

func (m *yuyvImage) ColorModel() color.Model { return color.YCbCrModel }
func (m *yuyvImage) Bounds() image.Rectangle { return m.rect }

func (m *yuyvImage) At(x, y int) color.Color {
	if !(image.Point{X: x, Y: y}).In(m.rect) {
		return color.YCbCr{}
	}
	pair := y*m.stride + (x/2)*4
	yy := m.pix[pair]
	if x%2 == 1 {
		yy = m.pix[pair+2]
	}
	return color.YCbCr{Y: yy, Cb: m.pix[pair+1], Cr: m.pix[pair+3]}
}

// nv21Image reads a luma plane followed by interleaved V/U at half resolution.
type nv21Image struct {
	pix    []byte
	stride int
	rect   image.Rectangle
}

func (m *nv21Image) ColorModel() color.Model { return color.YCbCrModel }
func (m *nv21Image) Bounds() image.Rectangle { return m.rect }

func (m *nv21Image) At(x, y int) color.Color {
	if !(image.Point{X: x, Y: y}).In(m.rect) {
		return color.YCbCr{}
	}
	ylen := m.stride * m.rect.Dy()
	c := ylen + (y/2)*m.stride + (x/2)*2
	return color.YCbCr{Y: m.pix[y*m.stride+x], Cr: m.pix[c], Cb: m.pix[c+1]}
}
