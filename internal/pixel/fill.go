package pixel

import (
	"fmt"
	"image"
	"image/color"
)

// FillRaw sets every pixel of a raw buffer to c. YUV formats are written
// with BT.601 values from color.RGBToYCbCr.
func FillRaw(data []byte, stride int, size image.Point, format Format, c color.Color) error {
	if format.Drawable() {
		img, err := NewImage(data, stride, size, format)
		if err != nil {
			return err
		}
		img.Fill(img.Bounds(), c)
		return nil
	}
	if !format.IsValid() {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if size.X <= 0 || size.Y <= 0 || stride < format.Stride(size.X) || len(data) < format.BufferLen(stride, size.Y) {
		return fmt.Errorf("pixel: buffer too small for %s %v", format, size)
	}

	r, g, b, _ := c.RGBA()
	y, cb, cr := color.RGBToYCbCr(uint8(r>>8), uint8(g>>8), uint8(b>>8))
	ylen := stride * size.Y
	chromaRows := (size.Y + 1) / 2

	switch format {
	case YUYV:
		for row := 0; row < size.Y; row++ {
			line := data[row*stride : row*stride+format.Stride(size.X)]
			for i := 0; i+3 < len(line); i += 4 {
				line[i], line[i+1], line[i+2], line[i+3] = y, cb, y, cr
			}
		}
	case NV21:
		fillRows(data[:ylen], stride, size.X, size.Y, y)
		chroma := data[ylen:]
		for row := 0; row < chromaRows; row++ {
			line := chroma[row*stride : row*stride+size.X]
			for i := 0; i+1 < len(line); i += 2 {
				line[i], line[i+1] = cr, cb
			}
		}
	case YUV420:
		fillRows(data[:ylen], stride, size.X, size.Y, y)
		cstride := (stride + 1) / 2
		clen := cstride * chromaRows
		cw := (size.X + 1) / 2
		fillRows(data[ylen:ylen+clen], cstride, cw, chromaRows, cb)
		fillRows(data[ylen+clen:ylen+2*clen], cstride, cw, chromaRows, cr)
	}
	return nil
}

func fillRows(plane []byte, stride, width, rows int, v byte) {
	for row := 0; row < rows; row++ {
		line := plane[row*stride : row*stride+width]
		for i := range line {
			line[i] = v
		}
	}
}
