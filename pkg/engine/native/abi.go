// Package native binds a vendor decode engine shipped as a shared library
// (libvdec_engine) without cgo.
//
// The library keeps its own state per handle. A decoder handle may hold
// surfaces as reference frames between calls, it reports them as a bitmask
// of surface indexes after every call.
package native

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/vdecode/vdec/pkg/engine"
	"github.com/vdecode/vdec/pkg/surface"
	"github.com/vdecode/vdec/pkg/video"
)

// EnvLibPath overrides the library location.
const EnvLibPath = "VDEC_ENGINE_LIB"

// maxSurfaces is the width of the reference bitmask.
const maxSurfaces = 64

// Return codes of the library calls.
const (
	rcOK          = 0
	rcMoreData    = 1
	rcMoreSurface = 2
	rcBusy        = 3
	rcPartial     = 4

	rcDevice      = -1
	rcTimeout     = -2
	rcUnsupported = -3
	rcInvalid     = -4
	rcNotInit     = -5
)

var ErrNotLoaded = errors.New("native: engine library is not loaded")

// library is the table of engine entry points.
type library struct {
	engineOpen   func(codec int32) uint64
	engineInit   func(h uint64, p unsafe.Pointer) int32
	engineQuery  func(h uint64, p, req unsafe.Pointer) int32
	engineDecode func(h uint64, data unsafe.Pointer, n int32, ts uint64, work unsafe.Pointer, timeoutMs int32, res unsafe.Pointer) int32
	engineReset  func(h uint64, p unsafe.Pointer) int32
	engineClose  func(h uint64)

	vppOpen    func() uint64
	vppInit    func(h uint64, p unsafe.Pointer) int32
	vppQuery   func(h uint64, p, in, out unsafe.Pointer) int32
	vppConvert func(h uint64, in, out unsafe.Pointer) int32
	vppReset   func(h uint64, p unsafe.Pointer) int32
	vppClose   func(h uint64)

	lastError func() string
}

type cDecodeParams struct {
	Codec         int32
	Width, Height int32
	CropW, CropH  int32
	FrameRate     uint32
	Interlaced    int32
	Bitrate       uint32
	Profile       uint32
	Level         uint32
}

type cFrameInfo struct {
	Format        int32
	Width, Height int32
	CropW, CropH  int32
}

type cConvertParams struct {
	In, Out cFrameInfo
}

type cRequest struct {
	Count         int32
	Format        int32
	Width, Height int32
}

// cSurface describes a surface to the library. Data points into the
// pinned Go memory of the surface.
type cSurface struct {
	Data          unsafe.Pointer
	Size          int32
	Index         int32
	Format        int32
	Width, Height int32
	CropW, CropH  int32
	Offset        [3]int32
	Pitch         [3]int32
	Timestamp     uint64
}

type cDecodeResult struct {
	Out          int32
	CropW, CropH int32
	_            int32
	Timestamp    uint64
	Refs         uint64
}

func decodeParams(p engine.DecodeParams) *cDecodeParams {
	c := &cDecodeParams{
		Codec:     int32(p.Codec),
		Width:     int32(p.Width),
		Height:    int32(p.Height),
		CropW:     int32(p.CropW),
		CropH:     int32(p.CropH),
		FrameRate: p.FrameRate,
		Bitrate:   p.Controls.Bitrate,
		Profile:   p.Controls.Profile,
		Level:     p.Controls.Level,
	}
	if p.Interlaced {
		c.Interlaced = 1
	}
	return c
}

func frameInfo(f engine.FrameInfo) cFrameInfo {
	return cFrameInfo{Format: int32(f.Format), Width: int32(f.Width), Height: int32(f.Height),
		CropW: int32(f.CropW), CropH: int32(f.CropH)}
}

func (r cRequest) request() engine.SurfaceRequest {
	return engine.SurfaceRequest{Count: int(r.Count), Format: video.PixelFormat(r.Format),
		Width: int(r.Width), Height: int(r.Height)}
}

// describe fills c with the layout of s. The caller pins s.Data.
func describe(c *cSurface, s *surface.Surface) {
	c.Data = unsafe.Pointer(&s.Data[0])
	c.Size = int32(len(s.Data))
	c.Index = int32(s.Index)
	c.Format = int32(s.Format)
	c.Width, c.Height = int32(s.Width), int32(s.Height)
	c.CropW, c.CropH = int32(s.CropW), int32(s.CropH)
	c.Timestamp = s.Timestamp
	for i, p := range s.Planes {
		c.Offset[i], c.Pitch[i] = int32(p.Offset), int32(p.Pitch)
	}
}

// status maps a return code, negative codes are errors.
func (l *library) status(rc int32) (engine.Status, error) {
	switch rc {
	case rcOK:
		return engine.StatusOK, nil
	case rcMoreData:
		return engine.StatusMoreData, nil
	case rcMoreSurface:
		return engine.StatusMoreSurface, nil
	case rcBusy:
		return engine.StatusBusy, nil
	case rcPartial:
		return engine.StatusPartialAccel, nil
	}
	var err error
	switch rc {
	case rcTimeout:
		err = engine.ErrTimeout
	case rcUnsupported:
		err = engine.ErrUnsupported
	case rcInvalid:
		err = engine.ErrInvalidParams
	case rcNotInit:
		err = engine.ErrNotInitialized
	default:
		err = engine.ErrDevice
	}
	if msg := l.lastError(); msg != "" {
		return engine.StatusOK, fmt.Errorf("%w: %s (%d)", err, msg, rc)
	}
	return engine.StatusOK, err
}

// Accel is an opened engine library.
type Accel struct {
	lib  *library
	path string
}

func (a *Accel) Name() string { return "native" }

// Path is the file the library was loaded from.
func (a *Accel) Path() string { return a.path }

func (a *Accel) NewDecoder(c video.Codec) (engine.Decoder, error) {
	if a == nil || a.lib == nil {
		return nil, ErrNotLoaded
	}
	if c == video.CodecUnknown {
		return nil, engine.ErrUnsupported
	}
	return newDecoder(a.lib, c), nil
}

func (a *Accel) NewConverter() (engine.Converter, error) {
	if a == nil || a.lib == nil {
		return nil, ErrNotLoaded
	}
	return &converter{lib: a.lib}, nil
}
