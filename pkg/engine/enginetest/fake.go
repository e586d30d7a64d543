// Package enginetest provides a scriptable engine for pipeline tests.
package enginetest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/vdecode/vdec/pkg/engine"
	"github.com/vdecode/vdec/pkg/surface"
	"github.com/vdecode/vdec/pkg/video"
)

// DecodeFunc scripts one decode call, bs is nil during drain.
type DecodeFunc func(ctx context.Context, bs *engine.Bitstream, work *surface.Surface) (*surface.Surface, engine.Status, error)

// Engine is a fake accelerator. The zero value decodes every unit into
// the work surface, reports MoreData on drain and converts by copying.
type Engine struct {
	// Surfaces is the native surface demand, 4 when zero.
	Surfaces   int
	InitStatus engine.Status
	InitErr    error
	QueryErr   error
	ResetErr   error
	Decode     DecodeFunc
	// ConvertBusy is the number of busy answers before each conversion.
	ConvertBusy int
	ConvertErr  error
	// Gate, when set, holds every steady-state decode until it receives.
	Gate chan struct{}
	// Entered receives a value when a gated decode starts.
	Entered chan struct{}

	Decodes, Drains, Converts, BusyPolls atomic.Int32
	DecResets, VppResets, Inits          atomic.Int32
	DecCloses, VppCloses                 atomic.Int32

	mu     sync.Mutex
	params []engine.DecodeParams
}

func (e *Engine) Name() string { return "fake" }

func (e *Engine) NewDecoder(c video.Codec) (engine.Decoder, error) {
	if c == video.CodecUnknown {
		return nil, engine.ErrUnsupported
	}
	return &decoder{e: e}, nil
}

func (e *Engine) NewConverter() (engine.Converter, error) { return &converter{e: e}, nil }

// Params returns the decode params of every init and reset.
func (e *Engine) Params() []engine.DecodeParams {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.DecodeParams(nil), e.params...)
}

func (e *Engine) record(p engine.DecodeParams) {
	e.mu.Lock()
	e.params = append(e.params, p)
	e.mu.Unlock()
}

type decoder struct{ e *Engine }

func (d *decoder) Init(p engine.DecodeParams) (engine.Status, error) {
	d.e.Inits.Add(1)
	d.e.record(p)
	return d.e.InitStatus, d.e.InitErr
}

func (d *decoder) QueryIOSurf(p engine.DecodeParams) (engine.SurfaceRequest, engine.Status, error) {
	n := d.e.Surfaces
	if n == 0 {
		n = 4
	}
	return engine.SurfaceRequest{Count: n, Format: video.FormatNV12, Width: p.Width, Height: p.Height},
		d.e.InitStatus, d.e.QueryErr
}

func (d *decoder) DecodeOne(ctx context.Context, bs *engine.Bitstream, work *surface.Surface) (*surface.Surface, engine.Status, error) {
	if bs == nil {
		d.e.Drains.Add(1)
	} else {
		d.e.Decodes.Add(1)
		if d.e.Gate != nil {
			if d.e.Entered != nil {
				d.e.Entered <- struct{}{}
			}
			select {
			case <-d.e.Gate:
			case <-ctx.Done():
				return nil, engine.StatusOK, ctx.Err()
			}
		}
	}
	if d.e.Decode != nil {
		return d.e.Decode(ctx, bs, work)
	}
	if bs == nil {
		return nil, engine.StatusMoreData, nil
	}
	copy(work.Data, bs.Data)
	work.Timestamp = bs.Timestamp
	return work, engine.StatusOK, nil
}

func (d *decoder) Reset(p engine.DecodeParams) error {
	d.e.DecResets.Add(1)
	d.e.record(p)
	return d.e.ResetErr
}

func (d *decoder) Close() error { d.e.DecCloses.Add(1); return nil }

type converter struct {
	e    *Engine
	busy int
}

func (c *converter) Init(engine.ConvertParams) error { return nil }

func (c *converter) QueryIOSurf(p engine.ConvertParams) (in, out engine.SurfaceRequest, err error) {
	return engine.SurfaceRequest{Count: 1, Format: p.In.Format, Width: p.In.Width, Height: p.In.Height},
		engine.SurfaceRequest{Count: 2, Format: p.Out.Format, Width: p.Out.Width, Height: p.Out.Height}, nil
}

func (c *converter) ConvertOne(in, out *surface.Surface) (engine.Status, error) {
	if c.e.ConvertErr != nil {
		return engine.StatusOK, c.e.ConvertErr
	}
	if c.busy < c.e.ConvertBusy {
		c.busy++
		c.e.BusyPolls.Add(1)
		return engine.StatusBusy, nil
	}
	c.busy = 0
	c.e.Converts.Add(1)
	copy(out.Data, in.Data)
	return engine.StatusOK, nil
}

func (c *converter) Reset(engine.ConvertParams) error { c.e.VppResets.Add(1); return c.e.ResetErr }
func (c *converter) Close() error                     { c.e.VppCloses.Add(1); return nil }
