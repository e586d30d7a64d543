package soft

import (
	"fmt"
	"image"
	"sync"

	"golang.org/x/image/draw"

	"github.com/vdecode/vdec/pkg/engine"
	"github.com/vdecode/vdec/pkg/surface"
	"github.com/vdecode/vdec/pkg/video"
)

type converter struct {
	busy  int
	polls int
	p     engine.ConvertParams
	init  bool
	pool  sync.Pool
}

func newConverter(opts Options) *converter {
	return &converter{
		busy: opts.BusyPolls,
		pool: sync.Pool{New: func() any { b := make([]byte, 0); return &b }},
	}
}

func (c *converter) Init(p engine.ConvertParams) error {
	switch p.In.Format {
	case video.FormatNV12, video.FormatI420:
	default:
		return fmt.Errorf("%w: input %v", engine.ErrUnsupported, p.In.Format)
	}
	if p.Out.Format.PlaneCount() == 0 {
		return fmt.Errorf("%w: output %v", engine.ErrUnsupported, p.Out.Format)
	}
	if p.In.CropW <= 0 || p.In.CropH <= 0 || p.Out.CropW <= 0 || p.Out.CropH <= 0 {
		return fmt.Errorf("%w: %dx%d to %dx%d", engine.ErrInvalidParams, p.In.CropW, p.In.CropH, p.Out.CropW, p.Out.CropH)
	}
	c.p, c.init, c.polls = p, true, 0
	return nil
}

func (c *converter) QueryIOSurf(p engine.ConvertParams) (in, out engine.SurfaceRequest, err error) {
	in = engine.SurfaceRequest{Count: 1, Format: p.In.Format, Width: p.In.Width, Height: p.In.Height}
	out = engine.SurfaceRequest{Count: 2, Format: p.Out.Format, Width: p.Out.Width, Height: p.Out.Height}
	return
}

func (c *converter) ConvertOne(in, out *surface.Surface) (engine.Status, error) {
	if !c.init {
		return engine.StatusOK, engine.ErrNotInitialized
	}
	if c.polls < c.busy {
		c.polls++
		return engine.StatusBusy, nil
	}
	c.polls = 0
	if in.Format != c.p.In.Format || out.Format != c.p.Out.Format {
		return engine.StatusOK, fmt.Errorf("%w: %v to %v", engine.ErrInvalidParams, in, out)
	}
	w, h := min(c.p.In.CropW, in.CropW), min(c.p.In.CropH, in.CropH)
	ow, oh := c.p.Out.CropW, c.p.Out.CropH
	if ow > out.Width || oh > out.Height {
		return engine.StatusOK, fmt.Errorf("%w: %dx%d doesn't fit %v", engine.ErrInvalidParams, ow, oh, out)
	}

	buf := c.pool.Get().(*[]byte)
	defer c.pool.Put(buf)
	y, cb, cr := c.planes(in, w, h, buf)

	switch out.Format {
	case video.FormatBGRA, video.FormatRGBA:
		src := &image.YCbCr{Y: y.Pix, Cb: cb.Pix, Cr: cr.Pix, YStride: y.Stride, CStride: cb.Stride,
			SubsampleRatio: image.YCbCrSubsampleRatio420, Rect: y.Rect}
		dst := &image.RGBA{Pix: out.Plane(0), Stride: out.Planes[0].Pitch, Rect: image.Rect(0, 0, ow, oh)}
		scale(dst, src)
		if out.Format == video.FormatBGRA {
			swapRB(dst)
		}
	case video.FormatI420:
		cw, ch := (ow+1)/2, (oh+1)/2
		scale(gray(out.Plane(0), out.Planes[0].Pitch, ow, oh), y)
		scale(gray(out.Plane(1), out.Planes[1].Pitch, cw, ch), cb)
		scale(gray(out.Plane(2), out.Planes[2].Pitch, cw, ch), cr)
	case video.FormatNV12:
		cw, ch := (ow+1)/2, (oh+1)/2
		scale(gray(out.Plane(0), out.Planes[0].Pitch, ow, oh), y)
		tmp := make([]byte, 2*cw*ch)
		u, v := gray(tmp[:cw*ch], cw, cw, ch), gray(tmp[cw*ch:], cw, cw, ch)
		scale(u, cb)
		scale(v, cr)
		uv, pitch := out.Plane(1), out.Planes[1].Pitch
		for j := 0; j < ch; j++ {
			row := uv[j*pitch:]
			for i := 0; i < cw; i++ {
				row[2*i], row[2*i+1] = u.Pix[j*cw+i], v.Pix[j*cw+i]
			}
		}
	}
	out.CropW, out.CropH = ow, oh
	return engine.StatusOK, nil
}

// planes returns the visible Y, Cb and Cr planes of a 4:2:0 surface.
// Interleaved chroma is split into buf.
func (c *converter) planes(s *surface.Surface, w, h int, buf *[]byte) (y, cb, cr *image.Gray) {
	cw, ch := (w+1)/2, (h+1)/2
	y = gray(s.Plane(0), s.Planes[0].Pitch, w, h)
	if s.Format == video.FormatI420 {
		return y, gray(s.Plane(1), s.Planes[1].Pitch, cw, ch), gray(s.Plane(2), s.Planes[2].Pitch, cw, ch)
	}
	n := cw * ch
	if cap(*buf) < 2*n {
		*buf = make([]byte, 2*n)
	}
	b := (*buf)[:2*n]
	uv, pitch := s.Plane(1), s.Planes[1].Pitch
	for j := 0; j < ch; j++ {
		row := uv[j*pitch:]
		for i := 0; i < cw; i++ {
			b[j*cw+i], b[n+j*cw+i] = row[2*i], row[2*i+1]
		}
	}
	return y, gray(b[:n], cw, cw, ch), gray(b[n:], cw, cw, ch)
}

func gray(pix []byte, stride, w, h int) *image.Gray {
	return &image.Gray{Pix: pix, Stride: stride, Rect: image.Rect(0, 0, w, h)}
}

// scale copies src into the whole of dst, resampling when the sizes differ.
func scale(dst draw.Image, src image.Image) {
	if dst.Bounds().Size() == src.Bounds().Size() {
		draw.Copy(dst, image.Point{}, src, src.Bounds(), draw.Src, nil)
		return
	}
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
}

// swapRB exchanges the R and B bytes of the visible pixels.
func swapRB(img *image.RGBA) {
	for y := 0; y < img.Rect.Dy(); y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+img.Rect.Dx()*4]
		for x := 0; x < len(row); x += 4 {
			row[x], row[x+2] = row[x+2], row[x]
		}
	}
}

func (c *converter) Reset(p engine.ConvertParams) error { return c.Init(p) }

func (c *converter) Close() error {
	c.init = false
	return nil
}
