// Package codec drives the two-stage decode pipeline of one stream:
// decode into the engine's native format, then convert into the
// format requested by the guest.
//
// A Session is owned by one stream worker and is not safe for concurrent use.
package codec

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/vdecode/vdec/pkg/engine"
	"github.com/vdecode/vdec/pkg/logger"
	"github.com/vdecode/vdec/pkg/resource"
	"github.com/vdecode/vdec/pkg/surface"
	"github.com/vdecode/vdec/pkg/video"
)

var (
	ErrNotReady      = errors.New("codec: session is not initialized")
	ErrNoOutput      = errors.New("codec: no output resource bound")
	ErrConvertStuck  = errors.New("codec: converter stays busy")
	ErrClosed        = errors.New("codec: session is closed")
	ErrNoFreeSurface = surface.ErrNoFreeSurface
)

type Options struct {
	// DecodeTimeout bounds one engine decode call.
	DecodeTimeout time.Duration
	// ConvertPoll is the pause between two busy conversion attempts.
	ConvertPoll     time.Duration
	ConvertMaxPolls int
	// DrainRetries is the number of end-of-stream decode attempts.
	DrainRetries int
	// MaxPoolBytes caps the byte size of each surface pool, zero is no cap.
	MaxPoolBytes int64
	// ExtraSurfaces is added to the engine's native surface demand.
	ExtraSurfaces int
}

type Session struct {
	accel engine.Accel
	opts  Options
	log   *logger.Logger

	dec engine.Decoder
	vpp engine.Converter
	dp  engine.DecodeParams
	cp  engine.ConvertParams

	native *surface.Pool
	out    *surface.Pool

	input    engine.Bitstream
	output   *resource.Resource
	degraded bool
	ready    bool
	closed   bool
}

func New(accel engine.Accel, opts Options, log *logger.Logger) *Session {
	return &Session{accel: accel, opts: opts, log: log}
}

// DecodeParamsOf maps the input queue params to the decode engine params.
func DecodeParamsOf(in video.Params, ctl video.Controls) engine.DecodeParams {
	w, h := in.Visible()
	aw, ah := video.EngineSize(w, h, in.Interlaced)
	return engine.DecodeParams{
		Codec:      in.Codec,
		Width:      aw,
		Height:     ah,
		CropW:      w,
		CropH:      h,
		FrameRate:  in.FrameRate,
		Interlaced: in.Interlaced,
		Controls:   ctl,
	}
}

// Initialize establishes the decode context for the negotiated coded format
// and geometry. It must be called once before anything else.
func (s *Session) Initialize(in video.Params, ctl video.Controls) error {
	if s.closed {
		return ErrClosed
	}
	s.dp = DecodeParamsOf(in, ctl)
	dec, err := s.accel.NewDecoder(s.dp.Codec)
	if err != nil {
		return fmt.Errorf("decoder %v: %w", s.dp.Codec, err)
	}
	s.dec = dec
	st, err := dec.Init(s.dp)
	if err != nil {
		return fmt.Errorf("decoder init %v %dx%d: %w", s.dp.Codec, s.dp.Width, s.dp.Height, err)
	}
	s.partial(st, "decoder init")
	return nil
}

func (s *Session) partial(st engine.Status, where string) {
	if st == engine.StatusPartialAccel && !s.degraded {
		s.degraded = true
		s.log.Warn().Msgf("%v: partial acceleration for %dx%d", where, s.dp.Width, s.dp.Height)
	}
}

// QueryRequiredSurfaces asks the engine for its native surface demand and
// allocates the native pool. It returns the number of allocated surfaces.
func (s *Session) QueryRequiredSurfaces() (int, error) {
	if s.dec == nil {
		return 0, ErrNotReady
	}
	req, st, err := s.dec.QueryIOSurf(s.dp)
	if err != nil {
		return 0, fmt.Errorf("decoder query: %w", err)
	}
	s.partial(st, "decoder query")
	req = s.request(req, s.dp.Width, s.dp.Height)
	req.Count += s.opts.ExtraSurfaces
	if s.native.Fits(req.Count, req.Format, req.Width, req.Height) {
		return req.Count, nil
	}
	s.native.Free()
	s.native, err = surface.Allocate("native", req.Count, req.Format, req.Width, req.Height, s.opts.MaxPoolBytes)
	if err != nil {
		return 0, err
	}
	return req.Count, nil
}

func (s *Session) request(r engine.SurfaceRequest, w, h int) engine.SurfaceRequest {
	if r.Width == 0 || r.Height == 0 {
		r.Width, r.Height = w, h
	}
	if r.Format == video.FormatUnknown {
		r.Format = video.FormatNV12
	}
	if r.Count <= 0 {
		r.Count = 1
	}
	return r
}

// ConvertParamsOf maps the native pool and the output queue params
// to the conversion engine params.
func ConvertParamsOf(native engine.FrameInfo, out video.Params) engine.ConvertParams {
	w, h := out.Visible()
	if w == 0 || h == 0 {
		w, h = native.CropW, native.CropH
	}
	aw, ah := video.EngineSize(w, h, false)
	return engine.ConvertParams{
		In:  native,
		Out: engine.FrameInfo{Format: out.Format, Width: aw, Height: ah, CropW: w, CropH: h},
	}
}

// PrepareConvert configures the second stage from the native format
// into the output queue format and allocates the output pool.
func (s *Session) PrepareConvert(out video.Params) error {
	if s.native == nil {
		return ErrNotReady
	}
	if s.vpp == nil {
		vpp, err := s.accel.NewConverter()
		if err != nil {
			return fmt.Errorf("converter: %w", err)
		}
		s.vpp = vpp
	}
	s.cp = ConvertParamsOf(s.nativeInfo(), out)
	if err := s.allocOut(); err != nil {
		return err
	}
	if err := s.vpp.Init(s.cp); err != nil {
		return fmt.Errorf("converter init %v -> %v: %w", s.cp.In.Format, s.cp.Out.Format, err)
	}
	s.ready = true
	return nil
}

func (s *Session) nativeInfo() engine.FrameInfo {
	return engine.FrameInfo{Format: s.native.Format, Width: s.native.W, Height: s.native.H, CropW: s.dp.CropW, CropH: s.dp.CropH}
}

func (s *Session) allocOut() error {
	_, req, err := s.vpp.QueryIOSurf(s.cp)
	if err != nil {
		return fmt.Errorf("converter query: %w", err)
	}
	req = s.request(req, s.cp.Out.Width, s.cp.Out.Height)
	req.Format = s.cp.Out.Format
	if s.out.Fits(req.Count, req.Format, req.Width, req.Height) {
		return nil
	}
	s.out.Free()
	s.out, err = surface.Allocate("vpp", req.Count, req.Format, req.Width, req.Height, s.opts.MaxPoolBytes)
	return err
}

// BindInput aliases the current input bitstream to data. No copy is made.
func (s *Session) BindInput(data []byte, ts uint64) {
	s.input = engine.Bitstream{Data: data, Timestamp: ts}
}

// BindOutput sets the resource the next copy-out writes into.
func (s *Session) BindOutput(r *resource.Resource) { s.output = r }

// DecodeOne decodes the bound input into a free native surface.
// ErrNoFreeSurface means no engine call was made.
// A nil surface without an error means the engine took the input
// but has no frame to return yet.
func (s *Session) DecodeOne(ctx context.Context) (*surface.Surface, error) {
	if !s.ready {
		return nil, ErrNotReady
	}
	work, err := s.native.AcquireFree()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.DecodeTimeout)
	defer cancel()

	bs := s.input
	for {
		if ctx.Err() != nil {
			s.native.Release(work)
			return nil, fmt.Errorf("decode after %v: %w", s.opts.DecodeTimeout, engine.ErrTimeout)
		}
		frame, st, err := s.dec.DecodeOne(ctx, &bs, work)
		if err != nil {
			s.native.Release(work)
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("decode after %v: %w", s.opts.DecodeTimeout, engine.ErrTimeout)
			}
			return nil, fmt.Errorf("decode: %w", err)
		}
		switch st {
		case engine.StatusOK, engine.StatusPartialAccel:
			if frame != work {
				s.native.Release(work)
			}
			return frame, nil
		case engine.StatusMoreData:
			s.native.Release(work)
			return nil, nil
		case engine.StatusMoreSurface:
			s.native.Release(work)
			if work, err = s.native.AcquireFree(); err != nil {
				return nil, fmt.Errorf("decode: engine needs another surface: %w", err)
			}
		case engine.StatusBusy:
			time.Sleep(s.opts.ConvertPoll)
		default:
			s.native.Release(work)
			return nil, fmt.Errorf("decode: unexpected status %v: %w", st, engine.ErrDevice)
		}
	}
}

// ConvertOne converts the native frame into a free output surface.
// A busy converter is polled up to ConvertMaxPolls times.
// It returns the number of busy polls.
func (s *Session) ConvertOne(frame *surface.Surface) (*surface.Surface, int, error) {
	if !s.ready {
		return nil, 0, ErrNotReady
	}
	out, err := s.out.AcquireFree()
	if err != nil {
		return nil, 0, fmt.Errorf("convert: %w", err)
	}
	for polls := 0; polls < s.opts.ConvertMaxPolls; polls++ {
		st, err := s.vpp.ConvertOne(frame, out)
		if err != nil {
			s.out.Release(out)
			return nil, polls, fmt.Errorf("convert: %w", err)
		}
		if st != engine.StatusBusy {
			out.Timestamp = frame.Timestamp
			out.CropW, out.CropH = s.cp.Out.CropW, s.cp.Out.CropH
			return out, polls, nil
		}
		time.Sleep(s.opts.ConvertPoll)
	}
	s.out.Release(out)
	return nil, s.opts.ConvertMaxPolls, fmt.Errorf("%w after %d polls", ErrConvertStuck, s.opts.ConvertMaxPolls)
}

// CopyOut copies a converted frame into the bound output resource
// and releases the frame. It returns the number of bytes used.
func (s *Session) CopyOut(frame *surface.Surface) (int, error) {
	defer s.Release(frame)
	if s.output == nil {
		return 0, ErrNoOutput
	}
	r := s.output
	s.output = nil
	return resource.CopyOutOfSurface(frame, r)
}

// Release returns a surface to the pool that owns it.
func (s *Session) Release(sf *surface.Surface) {
	switch {
	case s.native.Owns(sf):
		s.native.Release(sf)
	case s.out.Owns(sf):
		s.out.Release(sf)
	}
}

// Reset re-homes both stages to new params. Pools that no longer fit
// the engine demand are freed and allocated again. A changed coded format
// replaces the decoder.
func (s *Session) Reset(in video.Params, ctl video.Controls, out video.Params) error {
	if s.dec == nil {
		return ErrNotReady
	}
	s.ready, s.output = false, nil
	if dp := DecodeParamsOf(in, ctl); dp.Codec != s.dp.Codec {
		if err := s.dec.Close(); err != nil {
			s.log.Warn().Err(err).Msg("Decoder close on codec change")
		}
		s.dec = nil
		if err := s.Initialize(in, ctl); err != nil {
			return err
		}
	} else {
		s.dp = dp
		if err := s.dec.Reset(dp); err != nil {
			return fmt.Errorf("decoder reset: %w", err)
		}
	}
	if _, err := s.QueryRequiredSurfaces(); err != nil {
		return err
	}
	if s.vpp == nil {
		return s.PrepareConvert(out)
	}
	s.cp = ConvertParamsOf(s.nativeInfo(), out)
	if err := s.allocOut(); err != nil {
		return err
	}
	if err := s.vpp.Reset(s.cp); err != nil {
		return fmt.Errorf("converter reset: %w", err)
	}
	s.ready = true
	return nil
}

// Drain asks the engine for its buffered frames with end-of-stream decode
// calls, at most DrainRetries of them, then resets both stages.
// Every frame returned is passed to emit. It returns the number of attempts.
func (s *Session) Drain(ctx context.Context, emit func(*surface.Surface), in video.Params, ctl video.Controls, out video.Params) (int, error) {
	if !s.ready {
		return 0, ErrNotReady
	}
	attempts := 0
	var derr error
	for attempts < s.opts.DrainRetries {
		attempts++
		work, err := s.native.AcquireFree()
		if err != nil {
			s.log.Debug().Err(err).Int("attempt", attempts).Msg("Drain without a work surface")
		}
		dctx, cancel := context.WithTimeout(ctx, s.opts.DecodeTimeout)
		frame, st, err := s.dec.DecodeOne(dctx, nil, work)
		cancel()
		if err != nil || frame == nil || frame != work {
			s.native.Release(work)
		}
		if err != nil {
			derr = fmt.Errorf("drain: %w", err)
			break
		}
		if st == engine.StatusMoreData {
			break
		}
		if frame != nil {
			emit(frame)
		}
	}
	if attempts == s.opts.DrainRetries {
		s.log.Warn().Msgf("Drain has run out of %d attempts", attempts)
	}
	if err := s.Reset(in, ctl, out); err != nil {
		return attempts, multierror.Append(derr, err).ErrorOrNil()
	}
	return attempts, derr
}

// Close releases both engine contexts and the pools.
// It is safe to call on a partially initialized session and more than once.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed, s.ready = true, false
	var result *multierror.Error
	if s.vpp != nil {
		if err := s.vpp.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("converter close: %w", err))
		}
		s.vpp = nil
	}
	if s.dec != nil {
		if err := s.dec.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("decoder close: %w", err))
		}
		s.dec = nil
	}
	s.native.Free()
	s.out.Free()
	s.native, s.out, s.output = nil, nil, nil
	return result.ErrorOrNil()
}

func (s *Session) Ready() bool                 { return s.ready }
func (s *Session) Degraded() bool              { return s.degraded }
func (s *Session) NativePool() *surface.Pool   { return s.native }
func (s *Session) OutputPool() *surface.Pool   { return s.out }
func (s *Session) Decode() engine.DecodeParams { return s.dp }
