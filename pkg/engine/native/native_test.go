package native

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unsafe"

	"github.com/vdecode/vdec/pkg/engine"
	"github.com/vdecode/vdec/pkg/surface"
	"github.com/vdecode/vdec/pkg/video"
)

// fakeLib is an engine library that holds every frame back by one
// and keeps the held frame as a reference.
type fakeLib struct {
	params  cDecodeParams
	prev    int32
	prevTs  uint64
	timeout int32
	rc      int32
	msg     string
	closed  int
	// partial reports frames with partial acceleration
	partial bool
}

func (f *fakeLib) library() *library {
	f.prev = -1
	return &library{
		engineOpen: func(int32) uint64 { return 7 },
		engineInit: func(_ uint64, p unsafe.Pointer) int32 {
			f.params = *(*cDecodeParams)(p)
			return rcOK
		},
		engineQuery: func(_ uint64, p, req unsafe.Pointer) int32 {
			q := (*cDecodeParams)(p)
			*(*cRequest)(req) = cRequest{Count: 3, Format: int32(video.FormatNV12), Width: q.Width, Height: q.Height}
			return rcOK
		},
		engineDecode: f.decode,
		engineReset: func(uint64, unsafe.Pointer) int32 {
			f.prev = -1
			return rcOK
		},
		engineClose: func(uint64) { f.closed++ },
		vppOpen:     func() uint64 { return 9 },
		vppInit:     func(uint64, unsafe.Pointer) int32 { return rcOK },
		vppQuery: func(_ uint64, p, in, out unsafe.Pointer) int32 {
			cp := (*cConvertParams)(p)
			*(*cRequest)(in) = cRequest{Count: 1, Format: cp.In.Format, Width: cp.In.Width, Height: cp.In.Height}
			*(*cRequest)(out) = cRequest{Count: 2, Format: cp.Out.Format, Width: cp.Out.Width, Height: cp.Out.Height}
			return rcOK
		},
		vppConvert: func(_ uint64, in, out unsafe.Pointer) int32 {
			if f.rc != rcOK {
				return f.rc
			}
			i, o := (*cSurface)(in), (*cSurface)(out)
			copy(unsafe.Slice((*byte)(o.Data), o.Size), unsafe.Slice((*byte)(i.Data), i.Size))
			o.CropW, o.CropH = i.CropW, i.CropH
			return rcOK
		},
		vppReset:  func(uint64, unsafe.Pointer) int32 { return rcOK },
		vppClose:  func(uint64) { f.closed++ },
		lastError: func() string { return f.msg },
	}
}

func (f *fakeLib) decode(_ uint64, data unsafe.Pointer, n int32, ts uint64, work unsafe.Pointer, timeout int32, res unsafe.Pointer) int32 {
	f.timeout = timeout
	if f.rc != rcOK {
		return f.rc
	}
	r := (*cDecodeResult)(res)
	prev, prevTs := f.prev, f.prevTs
	if data == nil {
		if prev < 0 {
			return rcMoreData
		}
		f.prev = -1
	} else {
		w := (*cSurface)(work)
		copy(unsafe.Slice((*byte)(w.Data), w.Size), unsafe.Slice((*byte)(data), n))
		f.prev, f.prevTs = w.Index, ts
		r.Refs = 1 << uint(w.Index)
		if prev < 0 {
			return rcMoreData
		}
	}
	r.Out, r.Timestamp, r.CropW, r.CropH = prev, prevTs, f.params.CropW, f.params.CropH
	if f.partial {
		return rcPartial
	}
	return rcOK
}

func setup(t *testing.T) (*fakeLib, engine.Decoder, *surface.Pool) {
	t.Helper()
	f := &fakeLib{}
	a := &Accel{lib: f.library()}
	d, err := a.NewDecoder(video.CodecH264)
	if err != nil {
		t.Fatal(err)
	}
	p := engine.DecodeParams{Codec: video.CodecH264, Width: 16, Height: 16, CropW: 10, CropH: 8,
		Controls: video.Controls{Bitrate: 5}}
	if _, err := d.Init(p); err != nil {
		t.Fatal(err)
	}
	if f.params.CropW != 10 || f.params.Bitrate != 5 || f.params.Codec != int32(video.CodecH264) {
		t.Errorf("params %+v", f.params)
	}
	req, _, err := d.QueryIOSurf(p)
	if err != nil || req.Count != 3 || req.Width != 16 {
		t.Fatalf("query %+v %v", req, err)
	}
	pool, err := surface.Allocate("native", req.Count, req.Format, req.Width, req.Height, 0)
	if err != nil {
		t.Fatal(err)
	}
	return f, d, pool
}

func TestDecodeReferences(t *testing.T) {
	_, d, pool := setup(t)
	ctx := context.Background()

	s0, _ := pool.AcquireFree()
	out, st, err := d.DecodeOne(ctx, &engine.Bitstream{Data: []byte{1, 2, 3}, Timestamp: 1}, s0)
	if err != nil || st != engine.StatusMoreData || out != nil {
		t.Fatalf("first unit: %v %v %v", out, st, err)
	}
	pool.Release(s0)
	if s0.Locked() != 1 || !s0.InUse() {
		t.Fatalf("reference frame not locked: %v", s0)
	}

	s1, _ := pool.AcquireFree()
	out, st, err = d.DecodeOne(ctx, &engine.Bitstream{Data: []byte{4, 5}, Timestamp: 2}, s1)
	if err != nil || st != engine.StatusOK || out != s0 {
		t.Fatalf("second unit: %v %v %v", out, st, err)
	}
	if out.Timestamp != 1 || out.CropW != 10 || out.CropH != 8 || out.Data[2] != 3 {
		t.Errorf("frame ts %v crop %vx%v data %v", out.Timestamp, out.CropW, out.CropH, out.Data[:3])
	}
	if s0.Locked() != 0 || s1.Locked() != 1 {
		t.Errorf("locks %v %v", s0, s1)
	}
	pool.Release(s1)

	out, st, err = d.DecodeOne(ctx, nil, nil)
	if err != nil || st != engine.StatusOK || out != s1 || out.Timestamp != 2 {
		t.Fatalf("drain: %v %v %v", out, st, err)
	}
	if s1.Locked() != 0 {
		t.Errorf("drained frame still locked")
	}
	if _, st, _ := d.DecodeOne(ctx, nil, nil); st != engine.StatusMoreData {
		t.Errorf("empty drain: %v", st)
	}
}

func TestDecodePartialAccel(t *testing.T) {
	f, d, pool := setup(t)
	f.partial = true
	ctx := context.Background()

	s0, _ := pool.AcquireFree()
	if _, st, err := d.DecodeOne(ctx, &engine.Bitstream{Data: []byte{9}, Timestamp: 5}, s0); err != nil || st != engine.StatusMoreData {
		t.Fatalf("first unit: %v %v", st, err)
	}
	pool.Release(s0)
	s1, _ := pool.AcquireFree()
	out, st, err := d.DecodeOne(ctx, &engine.Bitstream{Data: []byte{8}, Timestamp: 6}, s1)
	if err != nil || st != engine.StatusPartialAccel {
		t.Fatalf("second unit: %v %v", st, err)
	}
	if out != s0 || out.Timestamp != 5 || out.Data[0] != 9 {
		t.Errorf("frame %v is lost with partial acceleration", out)
	}
}

func TestResetReleasesReferences(t *testing.T) {
	f, d, pool := setup(t)
	s, _ := pool.AcquireFree()
	if _, _, err := d.DecodeOne(context.Background(), &engine.Bitstream{Data: []byte{1}}, s); err != nil {
		t.Fatal(err)
	}
	if err := d.Reset(engine.DecodeParams{Width: 16, Height: 16, CropW: 16, CropH: 16}); err != nil {
		t.Fatal(err)
	}
	if s.Locked() != 0 {
		t.Errorf("reset kept %v locked", s)
	}
	if err := d.Close(); err != nil || f.closed != 1 {
		t.Errorf("close: %v, closed %v", err, f.closed)
	}
	if _, _, err := d.DecodeOne(context.Background(), nil, nil); !errors.Is(err, engine.ErrNotInitialized) {
		t.Errorf("decode after close: %v", err)
	}
}

func TestDecodeTimeout(t *testing.T) {
	f, d, pool := setup(t)
	s, _ := pool.AcquireFree()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := d.DecodeOne(ctx, &engine.Bitstream{Data: []byte{1}}, s); err != nil {
		t.Fatal(err)
	}
	if f.timeout <= 0 || f.timeout > 2000 {
		t.Errorf("timeout %v ms", f.timeout)
	}
	if _, _, err := d.DecodeOne(context.Background(), nil, nil); err != nil || f.timeout != -1 {
		t.Errorf("no deadline: timeout %v, %v", f.timeout, err)
	}

	expired, cancel2 := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel2()
	f.timeout = 0
	if _, _, err := d.DecodeOne(expired, nil, nil); !errors.Is(err, engine.ErrTimeout) || f.timeout != 0 {
		t.Errorf("expired deadline: %v, engine called %v", err, f.timeout != 0)
	}
}

func TestStatus(t *testing.T) {
	f := &fakeLib{}
	lib := f.library()
	tests := []struct {
		rc  int32
		st  engine.Status
		err error
	}{
		{rc: rcOK, st: engine.StatusOK},
		{rc: rcMoreData, st: engine.StatusMoreData},
		{rc: rcMoreSurface, st: engine.StatusMoreSurface},
		{rc: rcBusy, st: engine.StatusBusy},
		{rc: rcPartial, st: engine.StatusPartialAccel},
		{rc: rcDevice, err: engine.ErrDevice},
		{rc: rcTimeout, err: engine.ErrTimeout},
		{rc: rcUnsupported, err: engine.ErrUnsupported},
		{rc: rcInvalid, err: engine.ErrInvalidParams},
		{rc: rcNotInit, err: engine.ErrNotInitialized},
		{rc: -42, err: engine.ErrDevice},
	}
	for _, test := range tests {
		st, err := lib.status(test.rc)
		if st != test.st || !errors.Is(err, test.err) {
			t.Errorf("rc %v = %v %v, want %v %v", test.rc, st, err, test.st, test.err)
		}
	}

	f.msg = "hang"
	if _, err := lib.status(rcDevice); err == nil || !strings.Contains(err.Error(), "hang") {
		t.Errorf("error without the library message: %v", err)
	}
}

func TestDecodeError(t *testing.T) {
	f, d, pool := setup(t)
	s, _ := pool.AcquireFree()
	f.rc, f.msg = rcDevice, "gpu hang"
	_, _, err := d.DecodeOne(context.Background(), &engine.Bitstream{Data: []byte{1}}, s)
	if !errors.Is(err, engine.ErrDevice) {
		t.Errorf("expected a device error, got %v", err)
	}
}

func TestConvert(t *testing.T) {
	f := &fakeLib{}
	c, _ := (&Accel{lib: f.library()}).NewConverter()
	if _, err := c.ConvertOne(nil, nil); !errors.Is(err, engine.ErrNotInitialized) {
		t.Errorf("convert before init: %v", err)
	}
	p := engine.ConvertParams{
		In:  engine.FrameInfo{Format: video.FormatNV12, Width: 16, Height: 16, CropW: 10, CropH: 8},
		Out: engine.FrameInfo{Format: video.FormatNV12, Width: 16, Height: 16, CropW: 10, CropH: 8},
	}
	if err := c.Init(p); err != nil {
		t.Fatal(err)
	}
	_, out, err := c.QueryIOSurf(p)
	if err != nil || out.Count != 2 {
		t.Fatalf("query %+v %v", out, err)
	}
	pool, _ := surface.Allocate("t", 2, video.FormatNV12, 16, 16, 0)
	src, dst := pool.Surfaces()[0], pool.Surfaces()[1]
	src.Data[5], src.CropW, src.CropH = 9, 10, 8
	if st, err := c.ConvertOne(src, dst); err != nil || st != engine.StatusOK {
		t.Fatalf("convert %v %v", st, err)
	}
	if dst.Data[5] != 9 || dst.CropW != 10 || dst.CropH != 8 {
		t.Errorf("output %v crop %vx%v", dst.Data[:6], dst.CropW, dst.CropH)
	}
	f.rc = rcBusy
	if st, err := c.ConvertOne(src, dst); err != nil || st != engine.StatusBusy {
		t.Errorf("busy: %v %v", st, err)
	}
	if err := c.Close(); err != nil || f.closed != 1 {
		t.Errorf("close %v %v", err, f.closed)
	}
}

func TestNotLoaded(t *testing.T) {
	var a *Accel
	if _, err := a.NewDecoder(video.CodecH264); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("decoder of a nil accel: %v", err)
	}
	if _, err := Load("/nonexistent/libvdec_engine.so"); err == nil {
		t.Errorf("loaded a missing library")
	}
}
