package native

import (
	"runtime"
	"unsafe"

	"github.com/vdecode/vdec/pkg/engine"
	"github.com/vdecode/vdec/pkg/surface"
)

type converter struct {
	lib     *library
	h       uint64
	in, out cSurface
}

func convertParams(p engine.ConvertParams) *cConvertParams {
	return &cConvertParams{In: frameInfo(p.In), Out: frameInfo(p.Out)}
}

func (c *converter) Init(p engine.ConvertParams) error {
	if c.h == 0 {
		if c.h = c.lib.vppOpen(); c.h == 0 {
			_, err := c.lib.status(rcDevice)
			return err
		}
	}
	_, err := c.lib.status(c.lib.vppInit(c.h, unsafe.Pointer(convertParams(p))))
	return err
}

func (c *converter) QueryIOSurf(p engine.ConvertParams) (in, out engine.SurfaceRequest, err error) {
	if c.h == 0 {
		return in, out, engine.ErrNotInitialized
	}
	var ri, ro cRequest
	if _, err = c.lib.status(c.lib.vppQuery(c.h, unsafe.Pointer(convertParams(p)), unsafe.Pointer(&ri), unsafe.Pointer(&ro))); err != nil {
		return
	}
	return ri.request(), ro.request(), nil
}

// ConvertOne pins both surfaces for the duration of the call only.
func (c *converter) ConvertOne(in, out *surface.Surface) (engine.Status, error) {
	if c.h == 0 {
		return engine.StatusOK, engine.ErrNotInitialized
	}
	var pin runtime.Pinner
	defer pin.Unpin()
	pin.Pin(&in.Data[0])
	pin.Pin(&out.Data[0])
	pin.Pin(&c.in)
	pin.Pin(&c.out)
	describe(&c.in, in)
	describe(&c.out, out)

	st, err := c.lib.status(c.lib.vppConvert(c.h, unsafe.Pointer(&c.in), unsafe.Pointer(&c.out)))
	if err != nil || st != engine.StatusOK {
		return st, err
	}
	out.CropW, out.CropH = int(c.out.CropW), int(c.out.CropH)
	return st, nil
}

func (c *converter) Reset(p engine.ConvertParams) error {
	if c.h == 0 {
		return engine.ErrNotInitialized
	}
	_, err := c.lib.status(c.lib.vppReset(c.h, unsafe.Pointer(convertParams(p))))
	return err
}

func (c *converter) Close() error {
	if c.h != 0 {
		c.lib.vppClose(c.h)
		c.h = 0
	}
	return nil
}
