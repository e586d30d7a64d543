package video

import (
	"fmt"
	"strings"
)

// Codec identifies the coded (bitstream) format of the input queue.
type Codec uint32

const (
	CodecUnknown Codec = iota
	// CodecRaw carries whole NV12 frames as bitstream units.
	CodecRaw
	CodecMPEG2
	CodecH264
	CodecHEVC
	CodecVP8
	CodecVP9
)

func (c Codec) String() string {
	switch c {
	case CodecRaw:
		return "raw"
	case CodecMPEG2:
		return "mpeg2"
	case CodecH264:
		return "h264"
	case CodecHEVC:
		return "hevc"
	case CodecVP8:
		return "vp8"
	case CodecVP9:
		return "vp9"
	}
	return "unknown"
}

func ParseCodec(s string) (Codec, error) {
	for c := CodecRaw; c <= CodecVP9; c++ {
		if strings.EqualFold(s, c.String()) {
			return c, nil
		}
	}
	return CodecUnknown, fmt.Errorf("unknown codec %q", s)
}

// PixelFormat identifies a raw frame layout.
type PixelFormat uint32

const (
	FormatUnknown PixelFormat = iota
	// FormatNV12 is 4:2:0 with a Y plane and an interleaved UV plane.
	FormatNV12
	// FormatI420 is 4:2:0 with separate Y, U and V planes.
	FormatI420
	// FormatBGRA is packed 8-bit B, G, R, A (ARGB8888 little-endian).
	FormatBGRA
	// FormatRGBA is packed 8-bit R, G, B, A.
	FormatRGBA
)

func (f PixelFormat) String() string {
	switch f {
	case FormatNV12:
		return "nv12"
	case FormatI420:
		return "i420"
	case FormatBGRA:
		return "bgra"
	case FormatRGBA:
		return "rgba"
	}
	return "unknown"
}

func ParsePixelFormat(s string) (PixelFormat, error) {
	switch strings.ToLower(s) {
	case "argb8888":
		return FormatBGRA, nil
	case "yuv420", "yu12":
		return FormatI420, nil
	}
	for f := FormatNV12; f <= FormatRGBA; f++ {
		if strings.EqualFold(s, f.String()) {
			return f, nil
		}
	}
	return FormatUnknown, fmt.Errorf("unknown pixel format %q", s)
}

// BitsPerPixel is the average storage cost of one pixel.
func (f PixelFormat) BitsPerPixel() int {
	switch f {
	case FormatNV12, FormatI420:
		return 12
	case FormatBGRA, FormatRGBA:
		return 32
	}
	return 0
}

// PlaneCount is the number of guest-visible planes.
func (f PixelFormat) PlaneCount() int {
	switch f {
	case FormatNV12:
		return 2
	case FormatI420:
		return 3
	case FormatBGRA, FormatRGBA:
		return 1
	}
	return 0
}

func (f PixelFormat) IsRGB() bool { return f == FormatBGRA || f == FormatRGBA }

// PlaneGeometry returns the bytes per row and the number of rows of plane i
// for a frame of w x h pixels.
func (f PixelFormat) PlaneGeometry(i, w, h int) (rowBytes, rows int) {
	cw, ch := (w+1)/2, (h+1)/2
	switch f {
	case FormatNV12:
		if i == 0 {
			return w, h
		}
		return cw * 2, ch
	case FormatI420:
		if i == 0 {
			return w, h
		}
		return cw, ch
	case FormatBGRA, FormatRGBA:
		return w * 4, h
	}
	return 0, 0
}

// Layout returns the tightly packed plane layout of a w x h frame.
func (f PixelFormat) Layout(w, h int) []Plane {
	n := f.PlaneCount()
	planes := make([]Plane, n)
	for i := 0; i < n; i++ {
		row, rows := f.PlaneGeometry(i, w, h)
		planes[i] = Plane{Size: uint32(row * rows), Stride: uint32(row)}
	}
	return planes
}

// Align rounds v up to a multiple of a (a power of two).
func Align(v, a int) int { return (v + a - 1) &^ (a - 1) }

// EngineSize returns the frame geometry handed to the hardware engine:
// width aligned to 16, height aligned to 16 for progressive and
// 32 for interlaced content.
func EngineSize(w, h int, interlaced bool) (int, int) {
	if interlaced {
		return Align(w, 16), Align(h, 32)
	}
	return Align(w, 16), Align(h, 16)
}
