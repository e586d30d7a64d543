package soft

import (
	"context"
	"fmt"

	"github.com/vdecode/vdec/pkg/engine"
	"github.com/vdecode/vdec/pkg/surface"
	"github.com/vdecode/vdec/pkg/video"
)

type decoder struct {
	opts Options
	p    engine.DecodeParams
	init bool
	held []*surface.Surface
}

func (d *decoder) Init(p engine.DecodeParams) (engine.Status, error) {
	if p.CropW <= 0 || p.CropH <= 0 || p.CropW > p.Width || p.CropH > p.Height {
		return engine.StatusOK, fmt.Errorf("%w: frame %dx%d in %dx%d", engine.ErrInvalidParams, p.CropW, p.CropH, p.Width, p.Height)
	}
	d.p, d.init = p, true
	if d.opts.MaxWidth > 0 && p.Width > d.opts.MaxWidth {
		return engine.StatusPartialAccel, nil
	}
	return engine.StatusOK, nil
}

func (d *decoder) QueryIOSurf(p engine.DecodeParams) (engine.SurfaceRequest, engine.Status, error) {
	if !d.init {
		return engine.SurfaceRequest{}, engine.StatusOK, engine.ErrNotInitialized
	}
	st := engine.StatusOK
	if d.opts.MaxWidth > 0 && p.Width > d.opts.MaxWidth {
		st = engine.StatusPartialAccel
	}
	return engine.SurfaceRequest{Count: d.opts.Reorder + 2, Format: video.FormatNV12, Width: p.Width, Height: p.Height}, st, nil
}

// unitSize is the byte size of one raw frame.
func unitSize(w, h int) int {
	cw, ch := (w+1)/2, (h+1)/2
	return w*h + 2*cw*ch
}

func (d *decoder) DecodeOne(ctx context.Context, bs *engine.Bitstream, work *surface.Surface) (*surface.Surface, engine.Status, error) {
	if !d.init {
		return nil, engine.StatusOK, engine.ErrNotInitialized
	}
	if err := ctx.Err(); err != nil {
		return nil, engine.StatusOK, err
	}
	if bs == nil {
		if len(d.held) == 0 {
			return nil, engine.StatusMoreData, nil
		}
		return d.pop(), engine.StatusOK, nil
	}
	if work == nil || work.Format != video.FormatNV12 || work.Width < d.p.CropW || work.Height < d.p.CropH {
		return nil, engine.StatusOK, fmt.Errorf("%w: bad work surface %v", engine.ErrInvalidParams, work)
	}
	w, h := d.p.CropW, d.p.CropH
	if n := unitSize(w, h); len(bs.Data) != n {
		return nil, engine.StatusOK, fmt.Errorf("%w: unit of %d bytes, want %d for %dx%d", engine.ErrDevice, len(bs.Data), n, w, h)
	}
	src := bs.Data
	for i := 0; i < 2; i++ {
		row, rows := video.FormatNV12.PlaneGeometry(i, w, h)
		dst, pitch := work.Plane(i), work.Planes[i].Pitch
		for y := 0; y < rows; y++ {
			copy(dst[y*pitch:y*pitch+row], src[y*row:(y+1)*row])
		}
		src = src[row*rows:]
	}
	work.Timestamp = bs.Timestamp
	work.CropW, work.CropH = w, h

	if d.opts.Reorder == 0 {
		return work, engine.StatusOK, nil
	}
	work.Lock()
	d.held = append(d.held, work)
	if len(d.held) <= d.opts.Reorder {
		return nil, engine.StatusMoreData, nil
	}
	return d.pop(), engine.StatusOK, nil
}

// pop returns the held frame with the lowest timestamp.
func (d *decoder) pop() *surface.Surface {
	k := 0
	for i, s := range d.held {
		if s.Timestamp < d.held[k].Timestamp {
			k = i
		}
	}
	s := d.held[k]
	d.held = append(d.held[:k], d.held[k+1:]...)
	s.Unlock()
	return s
}

func (d *decoder) Reset(p engine.DecodeParams) error {
	d.release()
	_, err := d.Init(p)
	return err
}

func (d *decoder) release() {
	for _, s := range d.held {
		s.Unlock()
	}
	d.held = nil
}

func (d *decoder) Close() error {
	d.release()
	d.init = false
	return nil
}
