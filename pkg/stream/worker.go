package stream

import (
	"context"
	"errors"
	"time"

	"github.com/vdecode/vdec/pkg/codec"
	"github.com/vdecode/vdec/pkg/logger"
	"github.com/vdecode/vdec/pkg/resource"
	"github.com/vdecode/vdec/pkg/surface"
	"github.com/vdecode/vdec/pkg/video"
)

// State is the worker state.
type State int32

const (
	Initializing State = iota
	Running
	ParamChanging
	Draining
	Terminating
	Exited
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Running:
		return "running"
	case ParamChanging:
		return "param-changing"
	case Draining:
		return "draining"
	case Terminating:
		return "terminating"
	case Exited:
		return "exited"
	}
	return "unknown"
}

func (s *Stream) setState(st State) {
	if State(s.state.Swap(int32(st))) == st {
		return
	}
	s.metrics.transition(st)
	s.log.Debug().Str(logger.StateField, st.String()).Msg("Worker state")
}

func (s *Stream) run() {
	defer s.exit()

	if s.setupErr != nil {
		s.fail(s.setupErr)
		s.setState(Terminating)
		return
	}

	st := Running
	for st == Running {
		s.setState(Running)
		e, ok := s.box.Next()
		if !ok {
			break
		}
		st = s.handle(e)
	}
	s.setState(st)
}

func (s *Stream) snapshot() (in video.Params, ctl video.Controls, out video.Params) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.in.Clone(), s.ctl, s.out.Clone()
}

// setup runs the session setup sequence. Without a frame size it is
// postponed until the params are set.
func (s *Stream) setup(in video.Params, ctl video.Controls, out video.Params) error {
	if in.Width == 0 || in.Height == 0 {
		s.log.Debug().Msg("Session setup is postponed until the frame size is set")
		return nil
	}
	if err := s.sess.Initialize(in, ctl); err != nil {
		return err
	}
	n, err := s.sess.QueryRequiredSurfaces()
	if err != nil {
		return err
	}
	if err = s.sess.PrepareConvert(out); err != nil {
		return err
	}
	s.setUp = true
	s.log.Info().
		Str("codec", in.Codec.String()).
		Str("format", out.Format.String()).
		Int("surfaces", n).
		Bool("degraded", s.sess.Degraded()).
		Msgf("Session is ready %dx%d", in.Width, in.Height)
	s.gauges()
	return nil
}

func (s *Stream) handle(e Event) State {
	switch e.Type {
	case EventParamChanged:
		return s.paramChanged()
	case EventResourceQueued:
		if e.Dir == video.Output {
			s.flush()
			return Running
		}
		return s.cycle(e)
	case EventDrain:
		return s.drain()
	case EventQueueClear:
		s.clear(e.Dir)
		return Terminating
	case EventTerminate:
		return Terminating
	}
	s.log.Warn().Msgf("Unknown event %v", e.Type)
	return Running
}

func (s *Stream) paramChanged() State {
	s.setState(ParamChanging)
	s.dropFrames()
	in, ctl, out := s.snapshot()
	var err error
	if s.setUp {
		err = s.sess.Reset(in, ctl, out)
	} else {
		err = s.setup(in, ctl, out)
	}
	if err != nil {
		s.fail(err)
		return Exited
	}
	s.gauges()
	return Running
}

// cycle decodes one queued input resource and delivers the frame it
// produced, if any, to the waiting output resources.
func (s *Stream) cycle(e Event) State {
	log := s.log.Extend(s.log.With().Uint32(logger.ResField, e.Res.ID))
	if !s.setUp {
		s.fail(errNotConfigured)
		s.complete(e.Seq, true)
		return Terminating
	}
	data, err := resource.Bitstream(e.Res, e.Len)
	if err != nil {
		// the resource was destroyed or replaced after it had been queued
		log.Error().Err(err).Msg("Bad input resource")
		s.metrics.cycle(CycleError)
		s.complete(e.Seq, true)
		return Running
	}
	s.sess.BindInput(data, e.Timestamp)

	start := time.Now()
	frame, err := s.sess.DecodeOne(context.Background())
	if errors.Is(err, codec.ErrNoFreeSurface) {
		log.Warn().Err(err).Msg("Cycle skipped, no free surface")
		s.metrics.cycle(CycleSkipped)
		return Running
	}
	s.metrics.decode(time.Since(start))
	if err != nil {
		log.Error().Err(err).Msg("Decode has failed")
		s.fail(err)
		s.metrics.cycle(CycleError)
		s.complete(e.Seq, true)
		return Terminating
	}
	s.clean()

	if frame != nil {
		out, err := s.convert(frame)
		if err != nil {
			log.Error().Err(err).Msg("Convert has failed")
			s.fail(err)
			s.metrics.cycle(CycleError)
			s.complete(e.Seq, true)
			return Terminating
		}
		s.frames = append(s.frames, out)
	}
	s.flush()
	s.gauges()
	s.metrics.cycle(CycleOK)
	s.complete(e.Seq, false)
	log.Trace().Uint64("ts", e.Timestamp).Bool("frame", frame != nil).Msg("Cycle done")
	return Running
}

// convert runs the second stage and releases the native frame. When every
// output surface holds a frame nobody has asked for, the oldest is dropped.
func (s *Stream) convert(frame *surface.Surface) (*surface.Surface, error) {
	defer s.sess.Release(frame)
	if pool := s.sess.OutputPool(); len(s.frames) > 0 && len(s.frames) >= pool.Len() {
		s.log.Warn().Uint64("ts", s.frames[0].Timestamp).Msg("No output resource, frame dropped")
		s.sess.Release(s.frames[0])
		s.frames = s.frames[1:]
		s.metrics.cycle(CycleDropped)
	}
	out, polls, err := s.sess.ConvertOne(frame)
	s.metrics.busy(polls)
	return out, err
}

// flush copies the converted frames into the queued output resources.
func (s *Stream) flush() {
	for len(s.frames) > 0 {
		r := s.popPending()
		if r == nil {
			return
		}
		f := s.frames[0]
		s.frames = s.frames[1:]
		ts := f.Timestamp
		s.sess.BindOutput(r)
		n, err := s.sess.CopyOut(f)
		c := Completion{ResourceID: r.ID, Dir: video.Output, Bytes: n, Timestamp: ts}
		if err != nil {
			s.log.Error().Err(err).Uint32(logger.ResField, r.ID).Msg("Copy out has failed")
			c.Error, c.Bytes = true, 0
		}
		s.reporter.Completed(s.ID, c)
	}
}

func (s *Stream) drain() State {
	s.setState(Draining)
	if !s.setUp {
		s.reporter.Drained(s.ID, true)
		return Running
	}
	emit := func(frame *surface.Surface) {
		out, err := s.convert(frame)
		if err != nil {
			s.log.Warn().Err(err).Msg("Drained frame is lost")
			return
		}
		s.frames = append(s.frames, out)
	}
	in, ctl, out := s.snapshot()
	attempts, err := s.sess.Drain(context.Background(), emit, in, ctl, out)
	s.metrics.drain(attempts)
	s.mu.Lock()
	s.retries = attempts
	s.mu.Unlock()
	s.flush()
	s.log.Debug().Int("attempts", attempts).Msg("Drain done")
	if err != nil {
		s.log.Error().Err(err).Msg("Drain has failed")
		s.fail(err)
		s.reporter.Drained(s.ID, false)
		return Terminating
	}
	s.reporter.Drained(s.ID, true)
	s.gauges()
	return Running
}

// clear stops the work of a direction, output resources waiting
// for a frame are reported as cleared.
func (s *Stream) clear(dir video.Direction) {
	s.log.Info().Str(logger.DirField, dir.String()).Msg("Queue clear")
	if dir != video.Output {
		return
	}
	s.dropFrames()
	s.mu.Lock()
	dropped := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, r := range dropped {
		s.reporter.Completed(s.ID, Completion{ResourceID: r.ID, Dir: video.Output, Cleared: true})
	}
}

func (s *Stream) dropFrames() {
	for _, f := range s.frames {
		s.sess.Release(f)
	}
	s.frames = nil
}

// complete publishes the result of the input event seq.
func (s *Stream) complete(seq uint64, failed bool) {
	s.mu.Lock()
	s.done, s.doneErr = seq, failed
	s.mu.Unlock()
	s.outWake.Notify()
}

func (s *Stream) fail(err error) {
	s.log.Error().Err(err).Msg("Stream error")
	s.mu.Lock()
	s.status = err
	s.mu.Unlock()
}

func (s *Stream) clean() {
	s.mu.Lock()
	s.status = nil
	s.mu.Unlock()
}

func (s *Stream) gauges() {
	s.metrics.surfaces(s.ID, "native", s.sess.NativePool().InUse())
	s.metrics.surfaces(s.ID, "vpp", s.sess.OutputPool().InUse())
}

// exit releases the session and everything still waiting on the worker.
func (s *Stream) exit() {
	if st := s.State(); st != Terminating && st != Exited {
		s.setState(Terminating)
	}
	s.dropFrames()
	if err := s.sess.Close(); err != nil {
		s.log.Warn().Err(err).Msg("Session close")
	}
	for _, e := range s.box.Close() {
		s.log.Debug().Msgf("Event %v dropped", e.Type)
	}

	s.mu.Lock()
	s.exited = true
	dropped := s.pending
	s.pending = nil
	failed := s.status != nil
	s.mu.Unlock()
	for _, r := range dropped {
		s.reporter.Completed(s.ID, Completion{ResourceID: r.ID, Dir: video.Output, Cleared: true, Error: failed})
	}
	s.outWake.Notify()
	s.metrics.forget(s.ID)
	s.setState(Exited)
	s.log.Info().Msg("Worker has exited")
}
