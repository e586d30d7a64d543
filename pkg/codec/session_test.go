package codec

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vdecode/vdec/pkg/engine"
	"github.com/vdecode/vdec/pkg/engine/enginetest"
	"github.com/vdecode/vdec/pkg/logger"
	"github.com/vdecode/vdec/pkg/resource"
	"github.com/vdecode/vdec/pkg/surface"
	"github.com/vdecode/vdec/pkg/video"
)

func testOptions() Options {
	return Options{
		DecodeTimeout:   100 * time.Millisecond,
		ConvertPoll:     time.Microsecond,
		ConvertMaxPolls: 10,
		DrainRetries:    10,
	}
}

func inParams(w, h uint32) video.Params {
	return video.Params{Direction: video.Input, Codec: video.CodecRaw, Width: w, Height: h}
}

func outParams(w, h uint32) video.Params {
	return video.Params{Direction: video.Output, Format: video.FormatBGRA, Width: w, Height: h}
}

func setup(t *testing.T, e *enginetest.Engine, opts Options) *Session {
	t.Helper()
	s := New(e, opts, logger.Nop())
	if err := s.Initialize(inParams(64, 32), video.Controls{}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.QueryRequiredSurfaces(); err != nil {
		t.Fatal(err)
	}
	if err := s.PrepareConvert(outParams(64, 32)); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func outResource(w, h int) *resource.Resource {
	planes := video.FormatBGRA.Layout(w, h)
	return &resource.Resource{ID: 1, Dir: video.Output, Planes: planes, Mem: [][]byte{make([]byte, planes[0].Size)}}
}

func TestSetup(t *testing.T) {
	e := &enginetest.Engine{Surfaces: 7}
	s := New(e, testOptions(), logger.Nop())
	defer func() { _ = s.Close() }()

	if err := s.Initialize(inParams(1920, 1080), video.Controls{Bitrate: 1000}); err != nil {
		t.Fatal(err)
	}
	n, err := s.QueryRequiredSurfaces()
	if err != nil {
		t.Fatal(err)
	}
	pool := s.NativePool()
	if n != 7 || pool.Len() != 7 || pool.InUse() != 0 {
		t.Errorf("native pool %v for %v surfaces", pool, n)
	}
	dp := s.Decode()
	if dp.Width != 1920 || dp.Height != 1088 || dp.CropW != 1920 || dp.CropH != 1080 || dp.Controls.Bitrate != 1000 {
		t.Errorf("wrong decode params %+v", dp)
	}
	if err := s.PrepareConvert(outParams(0, 0)); err != nil {
		t.Fatal(err)
	}
	if out := s.OutputPool(); out.Format != video.FormatBGRA || out.W != 1920 || out.H != 1088 {
		t.Errorf("wrong output pool %v", out)
	}
	if s.Degraded() {
		t.Errorf("session is degraded")
	}
}

func TestSetupPartialAccel(t *testing.T) {
	s := setup(t, &enginetest.Engine{InitStatus: engine.StatusPartialAccel}, testOptions())
	if !s.Degraded() || !s.Ready() {
		t.Errorf("partial acceleration: degraded %v, ready %v", s.Degraded(), s.Ready())
	}
}

func TestSetupOutOfMemory(t *testing.T) {
	opts := testOptions()
	opts.MaxPoolBytes = 1024
	s := New(&enginetest.Engine{}, opts, logger.Nop())
	_ = s.Initialize(inParams(64, 32), video.Controls{})
	if _, err := s.QueryRequiredSurfaces(); !errors.Is(err, surface.ErrOutOfMemory) {
		t.Errorf("expected out of memory, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Error(err)
	}
}

func TestCycle(t *testing.T) {
	e := &enginetest.Engine{}
	s := setup(t, e, testOptions())

	s.BindInput([]byte{1, 2, 3}, 42)
	s.BindOutput(outResource(64, 32))
	frame, err := s.DecodeOne(context.Background())
	if err != nil || frame == nil {
		t.Fatalf("decode = %v %v", frame, err)
	}
	out, polls, err := s.ConvertOne(frame)
	if err != nil || polls != 0 {
		t.Fatalf("convert = %v %v %v", out, polls, err)
	}
	s.Release(frame)
	if out.Timestamp != 42 || out.CropW != 64 || out.CropH != 32 {
		t.Errorf("wrong output surface %v ts:%v", out, out.Timestamp)
	}
	n, err := s.CopyOut(out)
	if err != nil || n != 64*32*4 {
		t.Errorf("copy out = %v %v", n, err)
	}
	if e.Decodes.Load() != 1 || e.Converts.Load() != 1 {
		t.Errorf("decodes %v, converts %v", e.Decodes.Load(), e.Converts.Load())
	}
	if s.NativePool().InUse() != 0 || s.OutputPool().InUse() != 0 {
		t.Errorf("surfaces leaked: %v %v", s.NativePool(), s.OutputPool())
	}
	if _, err := s.CopyOut(out); !errors.Is(err, ErrNoOutput) {
		t.Errorf("output binding was reused: %v", err)
	}
}

func TestDecodeNoFreeSurface(t *testing.T) {
	e := &enginetest.Engine{}
	s := setup(t, e, testOptions())
	for _, sf := range s.NativePool().Surfaces() {
		sf.Lock()
	}
	if _, err := s.DecodeOne(context.Background()); !errors.Is(err, ErrNoFreeSurface) {
		t.Errorf("expected no free surface, got %v", err)
	}
	if e.Decodes.Load() != 0 {
		t.Errorf("engine called without a free surface")
	}
}

func TestDecodeTimeout(t *testing.T) {
	e := &enginetest.Engine{Gate: make(chan struct{})}
	opts := testOptions()
	opts.DecodeTimeout = 10 * time.Millisecond
	s := setup(t, e, opts)

	_, err := s.DecodeOne(context.Background())
	if !errors.Is(err, engine.ErrTimeout) {
		t.Errorf("expected an engine timeout, got %v", err)
	}
	if s.NativePool().InUse() != 0 {
		t.Errorf("work surface is still held")
	}
}

func TestDecodeBusyTimeout(t *testing.T) {
	e := &enginetest.Engine{Decode: func(context.Context, *engine.Bitstream, *surface.Surface) (*surface.Surface, engine.Status, error) {
		return nil, engine.StatusBusy, nil
	}}
	opts := testOptions()
	opts.DecodeTimeout = 20 * time.Millisecond
	s := setup(t, e, opts)

	done := make(chan error, 1)
	go func() {
		_, err := s.DecodeOne(context.Background())
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, engine.ErrTimeout) {
			t.Errorf("expected an engine timeout, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("busy engine is polled past the decode timeout")
	}
	if s.NativePool().InUse() != 0 {
		t.Errorf("work surface is still held")
	}
}

func TestDecodeUnknownStatus(t *testing.T) {
	e := &enginetest.Engine{Decode: func(context.Context, *engine.Bitstream, *surface.Surface) (*surface.Surface, engine.Status, error) {
		return nil, engine.Status(42), nil
	}}
	s := setup(t, e, testOptions())
	if _, err := s.DecodeOne(context.Background()); !errors.Is(err, engine.ErrDevice) {
		t.Errorf("expected a device error, got %v", err)
	}
	if s.NativePool().InUse() != 0 {
		t.Errorf("work surface is still held")
	}
}

func TestDecodeMoreSurface(t *testing.T) {
	calls := 0
	e := &enginetest.Engine{Decode: func(_ context.Context, bs *engine.Bitstream, work *surface.Surface) (*surface.Surface, engine.Status, error) {
		calls++
		if calls == 1 {
			work.Lock()
			return nil, engine.StatusMoreSurface, nil
		}
		return work, engine.StatusOK, nil
	}}
	s := setup(t, e, testOptions())
	frame, err := s.DecodeOne(context.Background())
	if err != nil || frame == nil || calls != 2 {
		t.Fatalf("decode = %v %v after %d calls", frame, err, calls)
	}
	if s.NativePool().InUse() != 2 {
		t.Errorf("expected the referenced and the output surface in use, got %v", s.NativePool())
	}
}

func TestDecodeMoreData(t *testing.T) {
	e := &enginetest.Engine{Decode: func(context.Context, *engine.Bitstream, *surface.Surface) (*surface.Surface, engine.Status, error) {
		return nil, engine.StatusMoreData, nil
	}}
	s := setup(t, e, testOptions())
	frame, err := s.DecodeOne(context.Background())
	if err != nil || frame != nil {
		t.Errorf("decode = %v %v", frame, err)
	}
	if s.NativePool().InUse() != 0 {
		t.Errorf("work surface is still held")
	}
}

func TestConvertBusy(t *testing.T) {
	e := &enginetest.Engine{ConvertBusy: 3}
	s := setup(t, e, testOptions())
	s.BindInput([]byte{1}, 0)
	frame, _ := s.DecodeOne(context.Background())
	out, polls, err := s.ConvertOne(frame)
	if err != nil || polls != 3 {
		t.Fatalf("convert = %v %v %v", out, polls, err)
	}
	s.Release(out)

	e.ConvertBusy = 100
	if _, polls, err = s.ConvertOne(frame); !errors.Is(err, ErrConvertStuck) || polls != 10 {
		t.Errorf("busy converter: %v polls, %v", polls, err)
	}
	if s.OutputPool().InUse() != 0 {
		t.Errorf("output surface leaked")
	}
}

func TestDrainBounded(t *testing.T) {
	e := &enginetest.Engine{Decode: func(_ context.Context, bs *engine.Bitstream, work *surface.Surface) (*surface.Surface, engine.Status, error) {
		return nil, engine.StatusOK, nil
	}}
	s := setup(t, e, testOptions())
	attempts, err := s.Drain(context.Background(), func(*surface.Surface) { t.Errorf("unexpected frame") },
		inParams(64, 32), video.Controls{}, outParams(64, 32))
	if err != nil {
		t.Fatal(err)
	}
	if attempts != 10 || e.Drains.Load() != 10 {
		t.Errorf("attempts %v, engine drains %v", attempts, e.Drains.Load())
	}
	if e.DecResets.Load() != 1 || e.VppResets.Load() != 1 || !s.Ready() {
		t.Errorf("session is not reset")
	}
	if s.NativePool().InUse() != 0 {
		t.Errorf("surfaces leaked during drain")
	}
}

func TestDrainNoFreeSurface(t *testing.T) {
	var works []*surface.Surface
	e := &enginetest.Engine{Decode: func(_ context.Context, bs *engine.Bitstream, work *surface.Surface) (*surface.Surface, engine.Status, error) {
		works = append(works, work)
		return nil, engine.StatusMoreData, nil
	}}
	s := setup(t, e, testOptions())
	held := s.NativePool().Surfaces()
	for _, sf := range held {
		sf.Lock()
	}
	attempts, err := s.Drain(context.Background(), func(*surface.Surface) {},
		inParams(64, 32), video.Controls{}, outParams(64, 32))
	if err != nil || attempts != 1 {
		t.Fatalf("drain = %v %v", attempts, err)
	}
	if len(works) != 1 || works[0] != nil {
		t.Errorf("drain without a free surface got work %v", works)
	}
	for _, sf := range held {
		sf.Unlock()
	}
}

func TestDrainFrames(t *testing.T) {
	left := 2
	e := &enginetest.Engine{Decode: func(_ context.Context, bs *engine.Bitstream, work *surface.Surface) (*surface.Surface, engine.Status, error) {
		if left == 0 {
			return nil, engine.StatusMoreData, nil
		}
		left--
		return work, engine.StatusOK, nil
	}}
	s := setup(t, e, testOptions())
	frames := 0
	attempts, err := s.Drain(context.Background(), func(f *surface.Surface) { frames++; s.Release(f) },
		inParams(64, 32), video.Controls{}, outParams(64, 32))
	if err != nil || attempts != 3 || frames != 2 {
		t.Errorf("drain: %v attempts, %v frames, %v", attempts, frames, err)
	}
}

func TestReset(t *testing.T) {
	e := &enginetest.Engine{}
	s := setup(t, e, testOptions())
	before := s.NativePool()

	if err := s.Reset(inParams(64, 32), video.Controls{}, outParams(64, 32)); err != nil {
		t.Fatal(err)
	}
	if s.NativePool() != before {
		t.Errorf("a fitting pool was reallocated")
	}

	if err := s.Reset(inParams(128, 96), video.Controls{}, outParams(128, 96)); err != nil {
		t.Fatal(err)
	}
	if p := s.NativePool(); p == before || p.W != 128 || p.H != 96 || before.Len() != 0 {
		t.Errorf("pool was not reallocated: %v, old %v", p, before)
	}

	in := inParams(128, 96)
	in.Codec = video.CodecH264
	if err := s.Reset(in, video.Controls{}, outParams(128, 96)); err != nil {
		t.Fatal(err)
	}
	if e.Inits.Load() != 2 || e.DecCloses.Load() != 1 || !s.Ready() {
		t.Errorf("codec change: inits %v, closes %v", e.Inits.Load(), e.DecCloses.Load())
	}
}

func TestCloseIdempotent(t *testing.T) {
	s := New(&enginetest.Engine{}, testOptions(), logger.Nop())
	if err := s.Close(); err != nil {
		t.Error(err)
	}

	e := &enginetest.Engine{InitErr: engine.ErrDevice}
	s = New(e, testOptions(), logger.Nop())
	if err := s.Initialize(inParams(64, 32), video.Controls{}); !errors.Is(err, engine.ErrDevice) {
		t.Errorf("expected a device error, got %v", err)
	}
	_ = s.Close()
	_ = s.Close()
	if e.DecCloses.Load() != 1 {
		t.Errorf("decoder closed %v times", e.DecCloses.Load())
	}
	if _, err := s.DecodeOne(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Errorf("closed session decoded: %v", err)
	}
}
