package native

import (
	"context"
	"fmt"
	"runtime"
	"time"
	"unsafe"

	"github.com/vdecode/vdec/pkg/engine"
	"github.com/vdecode/vdec/pkg/surface"
	"github.com/vdecode/vdec/pkg/video"
)

type decoder struct {
	lib   *library
	codec video.Codec
	h     uint64

	// surfaces handed to the library, pinned until reset or close
	known map[int32]*surface.Surface
	desc  map[*surface.Surface]*cSurface
	pin   runtime.Pinner
	refs  uint64

	res cDecodeResult
}

func newDecoder(lib *library, c video.Codec) *decoder {
	return &decoder{lib: lib, codec: c, known: map[int32]*surface.Surface{}, desc: map[*surface.Surface]*cSurface{}}
}

func (d *decoder) Init(p engine.DecodeParams) (engine.Status, error) {
	if d.h == 0 {
		if d.h = d.lib.engineOpen(int32(d.codec)); d.h == 0 {
			_, err := d.lib.status(rcDevice)
			return engine.StatusOK, fmt.Errorf("open %v decoder: %w", d.codec, err)
		}
	}
	return d.lib.status(d.lib.engineInit(d.h, unsafe.Pointer(decodeParams(p))))
}

func (d *decoder) QueryIOSurf(p engine.DecodeParams) (engine.SurfaceRequest, engine.Status, error) {
	if d.h == 0 {
		return engine.SurfaceRequest{}, engine.StatusOK, engine.ErrNotInitialized
	}
	var req cRequest
	st, err := d.lib.status(d.lib.engineQuery(d.h, unsafe.Pointer(decodeParams(p)), unsafe.Pointer(&req)))
	if err != nil {
		return engine.SurfaceRequest{}, st, err
	}
	if req.Count > maxSurfaces {
		return engine.SurfaceRequest{}, st, fmt.Errorf("%w: %d surfaces requested", engine.ErrUnsupported, req.Count)
	}
	return req.request(), st, nil
}

// bind returns the pinned descriptor of s.
func (d *decoder) bind(s *surface.Surface) (*cSurface, error) {
	if s.Index < 0 || s.Index >= maxSurfaces {
		return nil, fmt.Errorf("%w: surface index %d", engine.ErrInvalidParams, s.Index)
	}
	c, ok := d.desc[s]
	if !ok {
		if prev, ok := d.known[int32(s.Index)]; ok && prev != s {
			return nil, fmt.Errorf("%w: %v replaces %v", engine.ErrInvalidParams, s, prev)
		}
		c = &cSurface{}
		d.pin.Pin(&s.Data[0])
		d.pin.Pin(c)
		d.desc[s], d.known[int32(s.Index)] = c, s
	}
	describe(c, s)
	return c, nil
}

// track mirrors the reference bitmask of the library onto the surfaces.
func (d *decoder) track(mask uint64) {
	changed := mask ^ d.refs
	for i, s := range d.known {
		bit := uint64(1) << uint(i)
		if changed&bit == 0 {
			continue
		}
		if mask&bit != 0 {
			s.Lock()
		} else {
			s.Unlock()
		}
	}
	d.refs = mask & d.mask()
}

func (d *decoder) mask() (m uint64) {
	for i := range d.known {
		m |= 1 << uint(i)
	}
	return
}

func (d *decoder) DecodeOne(ctx context.Context, bs *engine.Bitstream, work *surface.Surface) (*surface.Surface, engine.Status, error) {
	if d.h == 0 {
		return nil, engine.StatusOK, engine.ErrNotInitialized
	}
	timeout := int32(-1)
	if dl, ok := ctx.Deadline(); ok {
		ms := time.Until(dl).Milliseconds()
		if ms <= 0 {
			return nil, engine.StatusOK, engine.ErrTimeout
		}
		timeout = int32(min(ms, 1<<30))
	}

	var data unsafe.Pointer
	var n int32
	var ts uint64
	if bs != nil {
		if len(bs.Data) > 0 {
			data, n = unsafe.Pointer(&bs.Data[0]), int32(len(bs.Data))
		}
		ts = bs.Timestamp
	}
	var ws unsafe.Pointer
	if work != nil {
		c, err := d.bind(work)
		if err != nil {
			return nil, engine.StatusOK, err
		}
		ws = unsafe.Pointer(c)
	}

	d.res = cDecodeResult{Out: -1}
	rc := d.lib.engineDecode(d.h, data, n, ts, ws, timeout, unsafe.Pointer(&d.res))
	runtime.KeepAlive(bs)
	st, err := d.lib.status(rc)
	d.track(d.res.Refs)
	if err != nil {
		return nil, st, err
	}
	if st != engine.StatusOK && st != engine.StatusPartialAccel {
		return nil, st, nil
	}
	out, ok := d.known[d.res.Out]
	if !ok {
		return nil, st, fmt.Errorf("%w: output surface %d was never submitted", engine.ErrDevice, d.res.Out)
	}
	out.Timestamp = d.res.Timestamp
	out.CropW, out.CropH = int(d.res.CropW), int(d.res.CropH)
	return out, st, nil
}

// forget drops the references and the pins of every submitted surface.
func (d *decoder) forget() {
	d.track(0)
	d.pin.Unpin()
	clear(d.known)
	clear(d.desc)
}

func (d *decoder) Reset(p engine.DecodeParams) error {
	if d.h == 0 {
		return engine.ErrNotInitialized
	}
	_, err := d.lib.status(d.lib.engineReset(d.h, unsafe.Pointer(decodeParams(p))))
	d.forget()
	return err
}

func (d *decoder) Close() error {
	if d.h != 0 {
		d.lib.engineClose(d.h)
		d.h = 0
	}
	d.forget()
	return nil
}
