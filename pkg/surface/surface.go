// Package surface implements fixed-size pools of engine-compatible frame buffers.
//
// A pool is owned by a single stream worker and is not safe for concurrent
// use, with the exception of the engine reference counter of a surface.
package surface

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/vdecode/vdec/pkg/video"
)

var (
	ErrNoFreeSurface = errors.New("no free surface")
	ErrOutOfMemory   = errors.New("surface pool exceeds host memory budget")
)

// PlaneInfo locates one plane inside the contiguous surface memory.
type PlaneInfo struct {
	Offset int
	Pitch  int
	Rows   int
}

// Surface is a frame buffer with all planes in one allocation.
type Surface struct {
	Index  int
	Format video.PixelFormat
	// Width and Height are aligned to the engine granularity.
	Width, Height int
	// CropW and CropH is the visible part of the frame.
	CropW, CropH int
	Timestamp    uint64
	Data         []byte
	Planes       []PlaneInfo

	inUse  bool
	locked atomic.Int32
}

// InUse reports whether the surface is held by the worker or referenced by the engine.
func (s *Surface) InUse() bool { return s.inUse || s.locked.Load() > 0 }

// Lock marks the surface as referenced by the engine (e.g. as a reference frame).
func (s *Surface) Lock() { s.locked.Add(1) }

// Unlock drops one engine reference.
func (s *Surface) Unlock() {
	if s.locked.Add(-1) < 0 {
		s.locked.Store(0)
	}
}

func (s *Surface) Locked() int { return int(s.locked.Load()) }

// Plane returns the bytes of plane i including the pitch padding.
func (s *Surface) Plane(i int) []byte {
	p := s.Planes[i]
	return s.Data[p.Offset : p.Offset+p.Pitch*p.Rows]
}

// Channels returns the byte offsets of B, G, R, A inside one pixel of a packed RGB surface.
func (s *Surface) Channels() (b, g, r, a int) {
	if s.Format == video.FormatRGBA {
		return 2, 1, 0, 3
	}
	return 0, 1, 2, 3
}

func (s *Surface) String() string {
	return fmt.Sprintf("surface[%d %v %dx%d locked:%d]", s.Index, s.Format, s.Width, s.Height, s.locked.Load())
}

// Size returns the byte size of one surface of the given format and aligned geometry.
func Size(f video.PixelFormat, w, h int) int { return w * h * f.BitsPerPixel() / 8 }

func planesOf(f video.PixelFormat, w, h int) []PlaneInfo {
	switch f {
	case video.FormatNV12:
		return []PlaneInfo{{0, w, h}, {w * h, w, h / 2}}
	case video.FormatI420:
		return []PlaneInfo{{0, w, h}, {w * h, w / 2, h / 2}, {w*h + w*h/4, w / 2, h / 2}}
	case video.FormatBGRA, video.FormatRGBA:
		return []PlaneInfo{{0, w * 4, h}}
	}
	return nil
}

func newSurface(i int, f video.PixelFormat, w, h int) *Surface {
	return &Surface{
		Index:  i,
		Format: f,
		Width:  w,
		Height: h,
		CropW:  w,
		CropH:  h,
		Data:   make([]byte, Size(f, w, h)),
		Planes: planesOf(f, w, h),
	}
}
