// Package pixel describes the pixel formats understood by display planes and
// maps them to hardware fourcc codes and to software rendering formats.
package pixel

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedFormat is returned when an operation is not available for a format.
var ErrUnsupportedFormat = errors.New("pixel: unsupported format")

// Format is a pixel storage format of a plane buffer.
type Format int

const (
	// Invalid is the sentinel for formats without a mapping.
	Invalid Format = iota
	// RGB565 is 16-bit packed RGB.
	RGB565
	// ARGB8888 is 32-bit packed ARGB, little-endian (B, G, R, A in memory).
	ARGB8888
	// XRGB8888 is 32-bit packed RGB with an unused byte.
	XRGB8888
	// YUYV is packed YUV 4:2:2.
	YUYV
	// NV21 is semi-planar YUV 4:2:0 with interleaved V/U.
	NV21
	// YUV420 is fully planar YUV 4:2:0 (I420).
	YUV420
)

// SoftwareFormat identifies the format of a software rendering surface.
// The numeric values follow the cairo_format_t codes.
type SoftwareFormat int

const (
	SoftwareInvalid  SoftwareFormat = -1
	SoftwareARGB32   SoftwareFormat = 0
	SoftwareRGB24    SoftwareFormat = 1
	SoftwareA8       SoftwareFormat = 2
	SoftwareA1       SoftwareFormat = 3
	SoftwareRGB16565 SoftwareFormat = 4
)

func fourcc(a, b, c, d byte) uint32 {
	return uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24
}

// DRM fourcc codes of the supported formats.
var (
	FourccRGB565   = fourcc('R', 'G', '1', '6')
	FourccARGB8888 = fourcc('A', 'R', '2', '4')
	FourccXRGB8888 = fourcc('X', 'R', '2', '4')
	FourccYUYV     = fourcc('Y', 'U', 'Y', 'V')
	FourccNV21     = fourcc('N', 'V', '2', '1')
	FourccYUV420   = fourcc('Y', 'U', '1', '2')
)

type formatInfo struct {
	name     string
	fourcc   uint32
	software SoftwareFormat
	bpp      int
	planar   bool
}

var formatTable = map[Format]formatInfo{
	RGB565:   {name: "rgb565", fourcc: FourccRGB565, software: SoftwareRGB16565, bpp: 16},
	ARGB8888: {name: "argb8888", fourcc: FourccARGB8888, software: SoftwareARGB32, bpp: 32},
	XRGB8888: {name: "xrgb8888", fourcc: FourccXRGB8888, software: SoftwareRGB24, bpp: 32},
	YUYV:     {name: "yuyv", fourcc: FourccYUYV, software: SoftwareInvalid, bpp: 16},
	NV21:     {name: "nv21", fourcc: FourccNV21, software: SoftwareInvalid, bpp: 12, planar: true},
	YUV420:   {name: "yuv420", fourcc: FourccYUV420, software: SoftwareInvalid, bpp: 12, planar: true},
}

var (
	fourccToFormat   = make(map[uint32]Format)
	softwareToFormat = make(map[SoftwareFormat]Format)
)

func init() {
	for f, info := range formatTable {
		fourccToFormat[info.fourcc] = f
		if info.software != SoftwareInvalid {
			softwareToFormat[info.software] = f
		}
	}
}

// Formats returns all valid formats in declaration order.
func Formats() []Format {
	return []Format{RGB565, ARGB8888, XRGB8888, YUYV, NV21, YUV420}
}

// IsValid reports whether f is a known format.
func (f Format) IsValid() bool {
	_, ok := formatTable[f]
	return ok
}

// String returns the lower-case format name.
func (f Format) String() string {
	if info, ok := formatTable[f]; ok {
		return info.name
	}
	return "invalid"
}

// Fourcc returns the DRM fourcc code, or 0 for Invalid.
func (f Format) Fourcc() uint32 {
	return formatTable[f].fourcc
}

// Software returns the software rendering format, or SoftwareInvalid when the
// format cannot be drawn by the software renderer.
func (f Format) Software() SoftwareFormat {
	if info, ok := formatTable[f]; ok {
		return info.software
	}
	return SoftwareInvalid
}

// Drawable reports whether software rendering can target the format.
func (f Format) Drawable() bool {
	return f.Software() != SoftwareInvalid
}

// BitsPerPixel returns the average number of bits per pixel.
func (f Format) BitsPerPixel() int {
	return formatTable[f].bpp
}

// Planar reports whether chroma is stored in separate planes after luma.
func (f Format) Planar() bool {
	return formatTable[f].planar
}

// Stride returns the minimum row length in bytes of the first plane.
func (f Format) Stride(width int) int {
	if width <= 0 || !f.IsValid() {
		return 0
	}
	if f.Planar() {
		return width
	}
	return width * f.BitsPerPixel() / 8
}

// BufferLen returns the number of bytes needed for a width x height buffer
// with the given first-plane stride. Planar formats include their chroma planes.
func (f Format) BufferLen(stride, height int) int {
	if stride <= 0 || height <= 0 {
		return 0
	}
	switch f {
	case NV21:
		return stride*height + stride*((height+1)/2)
	case YUV420:
		cstride := (stride + 1) / 2
		return stride*height + 2*cstride*((height+1)/2)
	default:
		if !f.IsValid() {
			return 0
		}
		return stride * height
	}
}

// FromFourcc maps a DRM fourcc code to a Format, Invalid when unknown.
func FromFourcc(code uint32) Format {
	if f, ok := fourccToFormat[code]; ok {
		return f
	}
	return Invalid
}

// FromSoftware maps a software format code to a Format, Invalid when unknown.
func FromSoftware(sf SoftwareFormat) Format {
	if f, ok := softwareToFormat[sf]; ok {
		return f
	}
	return Invalid
}

// FourccString renders a fourcc code as its four characters.
func FourccString(code uint32) string {
	b := []byte{byte(code), byte(code >> 8), byte(code >> 16), byte(code >> 24)}
	return strings.TrimRight(string(b), " \x00")
}

// ParseFormat parses a format name such as "argb8888".
func ParseFormat(s string) (Format, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for f, info := range formatTable {
		if info.name == name {
			return f, nil
		}
	}
	return Invalid, fmt.Errorf("unknown pixel format: %q", s)
}
