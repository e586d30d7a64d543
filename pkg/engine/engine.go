// Package engine defines the narrow interface of the hardware decode and
// colour-conversion engines consumed by a codec session.
package engine

import (
	"context"
	"errors"

	"github.com/vdecode/vdec/pkg/surface"
	"github.com/vdecode/vdec/pkg/video"
)

// Status is a non-error outcome of an engine call.
type Status int

const (
	StatusOK Status = iota
	// StatusMoreData means the engine needs more input before it can output
	// a frame. During drain it means no buffered frames are left.
	StatusMoreData
	// StatusMoreSurface means the work surface was consumed without output
	// and another one is needed.
	StatusMoreSurface
	// StatusBusy means the device is busy and no output was produced.
	StatusBusy
	// StatusPartialAccel means the engine runs but not fully accelerated.
	StatusPartialAccel
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusMoreData:
		return "more data"
	case StatusMoreSurface:
		return "more surface"
	case StatusBusy:
		return "busy"
	case StatusPartialAccel:
		return "partial acceleration"
	}
	return "unknown"
}

var (
	ErrDevice         = errors.New("engine: device failure")
	ErrTimeout        = errors.New("engine: operation timed out")
	ErrUnsupported    = errors.New("engine: unsupported")
	ErrNotInitialized = errors.New("engine: not initialized")
	ErrInvalidParams  = errors.New("engine: invalid parameters")
)

// DecodeParams are the parameters of a decode engine.
type DecodeParams struct {
	Codec video.Codec
	// Width and Height are aligned to the engine granularity.
	Width, Height int
	CropW, CropH  int
	FrameRate     uint32
	Interlaced    bool
	Controls      video.Controls
}

// FrameInfo describes one side of the conversion stage.
type FrameInfo struct {
	Format        video.PixelFormat
	Width, Height int
	CropW, CropH  int
}

type ConvertParams struct {
	In, Out FrameInfo
}

// SurfaceRequest is the engine's demand for a surface pool.
type SurfaceRequest struct {
	Count         int
	Format        video.PixelFormat
	Width, Height int
}

// Bitstream is a unit of coded input. A nil bitstream requests the engine
// to return buffered frames (end of stream).
type Bitstream struct {
	Data      []byte
	Timestamp uint64
}

// Decoder is the hardware decode stage.
type Decoder interface {
	Init(p DecodeParams) (Status, error)
	QueryIOSurf(p DecodeParams) (SurfaceRequest, Status, error)
	// DecodeOne submits bs with the free work surface and waits for the
	// engine within the ctx deadline. The returned surface may differ
	// from work when frames are reordered. Surfaces the engine keeps as
	// references are marked with Surface.Lock. At end of stream bs is nil
	// and work may be nil when no surface is free.
	DecodeOne(ctx context.Context, bs *Bitstream, work *surface.Surface) (*surface.Surface, Status, error)
	Reset(p DecodeParams) error
	Close() error
}

// Converter is the post-processing (colour-conversion) stage.
type Converter interface {
	Init(p ConvertParams) error
	QueryIOSurf(p ConvertParams) (in, out SurfaceRequest, err error)
	// ConvertOne may return StatusBusy without producing output.
	ConvertOne(in, out *surface.Surface) (Status, error)
	Reset(p ConvertParams) error
	Close() error
}

// Accel is an already initialized accelerator environment handle.
type Accel interface {
	Name() string
	NewDecoder(codec video.Codec) (Decoder, error)
	NewConverter() (Converter, error)
}
