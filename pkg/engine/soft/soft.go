// Package soft is a software engine. Its decoder takes raw NV12 frames as
// bitstream units and can hold frames back to behave like a reordering
// hardware decoder. Its converter turns 4:2:0 frames into packed RGB or
// 4:2:0 frames of any size.
package soft

import (
	"github.com/vdecode/vdec/pkg/engine"
	"github.com/vdecode/vdec/pkg/video"
)

type Options struct {
	// MaxWidth above which the decoder reports partial acceleration, 0 is no limit.
	MaxWidth int
	// Reorder is the number of frames the decoder holds back.
	Reorder int
	// BusyPolls is the number of busy answers before each conversion.
	BusyPolls int
}

type Accel struct {
	opts Options
}

func New(opts Options) *Accel { return &Accel{opts: opts} }

func (a *Accel) Name() string { return "soft" }

func (a *Accel) NewDecoder(c video.Codec) (engine.Decoder, error) {
	if c != video.CodecRaw {
		return nil, engine.ErrUnsupported
	}
	return &decoder{opts: a.opts}, nil
}

func (a *Accel) NewConverter() (engine.Converter, error) { return newConverter(a.opts), nil }
