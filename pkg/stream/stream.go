// Package stream runs one decode session per stream on a dedicated
// worker thread fed by an event mailbox.
package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vdecode/vdec/pkg/codec"
	"github.com/vdecode/vdec/pkg/com"
	"github.com/vdecode/vdec/pkg/engine"
	"github.com/vdecode/vdec/pkg/lock"
	"github.com/vdecode/vdec/pkg/logger"
	"github.com/vdecode/vdec/pkg/resource"
	"github.com/vdecode/vdec/pkg/surface"
	"github.com/vdecode/vdec/pkg/thread"
	"github.com/vdecode/vdec/pkg/video"
)

// Completion is the result of one queued resource.
type Completion struct {
	ResourceID uint32          `json:"resource_id"`
	Dir        video.Direction `json:"dir"`
	// Error is set when the stream is errored.
	Error bool `json:"error,omitempty"`
	// Cleared is set for resources dropped without being processed.
	Cleared   bool   `json:"cleared,omitempty"`
	Bytes     int    `json:"bytes,omitempty"`
	Timestamp uint64 `json:"timestamp"`
}

// Reporter receives the asynchronous results of a stream.
// It's called from the worker thread and must not block.
type Reporter interface {
	Completed(sid uint32, c Completion)
	Drained(sid uint32, ok bool)
}

type nopReporter struct{}

func (nopReporter) Completed(uint32, Completion) {}
func (nopReporter) Drained(uint32, bool)         {}

// Options are the pipeline tunables of a stream.
type Options struct {
	Codec codec.Options
	// QueueTimeout bounds the wait of an input queue call.
	QueueTimeout  time.Duration
	DefaultFormat video.PixelFormat
}

type Config struct {
	ID       uint32
	Tag      string
	In, Out  video.Params
	Controls video.Controls
	Options  Options
	Accel    engine.Accel
	Reporter Reporter
	Metrics  *Metrics
	Log      *logger.Logger
}

const maxDimension = 8192

type Stream struct {
	ID      uint32
	Session com.SessionID
	Tag     string

	opts     Options
	reporter Reporter
	metrics  *Metrics
	log      *logger.Logger

	// mu guards everything shared with the command context.
	mu      sync.Mutex
	in, out video.Params
	outAuto bool
	ctl     video.Controls
	inputs  *resource.List
	outputs *resource.List
	pending []*resource.Resource
	status  error
	retries int
	done    uint64
	doneErr bool
	exited  bool

	state    atomic.Int32
	box      *Mailbox
	outWake  *lock.Signal
	inflight sync.Mutex
	thread   *thread.Thread

	// worker only
	sess     *codec.Session
	setupErr error
	frames   []*surface.Surface
	setUp    bool
}

// Start creates a stream, sets up its session and starts the worker.
// A surface allocation failure aborts the creation before the worker starts.
// Other setup failures are recorded and reported by the first queue call.
func Start(c Config) (*Stream, error) {
	if c.In.Codec == video.CodecUnknown {
		return nil, video.Reject(video.CodeUnsupported, "stream-create", "unknown coded format")
	}
	if c.Log == nil {
		c.Log = logger.Default()
	}
	if c.Reporter == nil {
		c.Reporter = nopReporter{}
	}
	if c.Options.DefaultFormat == video.FormatUnknown {
		c.Options.DefaultFormat = video.FormatBGRA
	}
	sid := com.NewSessionID()
	s := &Stream{
		ID:       c.ID,
		Session:  sid,
		Tag:      c.Tag,
		opts:     c.Options,
		reporter: c.Reporter,
		metrics:  c.Metrics,
		log:      c.Log.Stream(c.ID, sid.Short()),
		ctl:      c.Controls,
		inputs:   resource.NewList(video.Input),
		outputs:  resource.NewList(video.Output),
		box:      NewMailbox(),
		outWake:  lock.NewSignal(),
	}
	in, out, err := s.normalize(c.In, c.Out)
	if err != nil {
		return nil, err
	}
	s.in, s.out = in, out
	s.sess = codec.New(c.Accel, c.Options.Codec, s.log)

	s.setState(Initializing)
	s.setupErr = s.setup(s.in.Clone(), s.ctl, s.out.Clone())
	if errors.Is(s.setupErr, surface.ErrOutOfMemory) {
		if err := s.sess.Close(); err != nil {
			s.log.Warn().Err(err).Msg("Session close")
		}
		s.metrics.forget(s.ID)
		return nil, video.Reject(video.CodeOutOfMemory, "stream-create", "%v", s.setupErr)
	}
	s.thread = thread.Start(s.run)
	return s, nil
}

// normalize fills in the defaults and the plane layout of both queues.
func (s *Stream) normalize(in, out video.Params) (video.Params, video.Params, error) {
	in.Direction, out.Direction = video.Input, video.Output
	if err := checkGeometry(in, true); err != nil {
		return in, out, err
	}
	s.outAuto = out.Width == 0 || out.Height == 0
	if s.outAuto {
		out.Width, out.Height = in.Width, in.Height
	}
	if out.Format == video.FormatUnknown {
		out.Format = s.opts.DefaultFormat
	}
	if out.Format.BitsPerPixel() == 0 {
		return in, out, video.Reject(video.CodeUnsupported, "params", "unsupported output format %v", out.Format)
	}
	if err := checkGeometry(out, true); err != nil {
		return in, out, err
	}
	in.Planes = []video.Plane{{Size: bitstreamSize(in)}}
	out.Planes = out.Format.Layout(int(out.Width), int(out.Height))
	for _, p := range []*video.Params{&in, &out} {
		if p.MinBuffers == 0 {
			p.MinBuffers = 1
		}
		if p.MaxBuffers == 0 {
			p.MaxBuffers = 32
		}
	}
	return in, out, nil
}

func checkGeometry(p video.Params, allowEmpty bool) error {
	if p.Width == 0 && p.Height == 0 && allowEmpty {
		return nil
	}
	if p.Width == 0 || p.Height == 0 || p.Width > maxDimension || p.Height > maxDimension {
		return video.Reject(video.CodeInvalidParameter, "params", "bad %v frame size %dx%d", p.Direction, p.Width, p.Height)
	}
	c := p.Crop
	if !c.Empty() && (c.Left+c.Width > p.Width || c.Top+c.Height > p.Height) {
		return video.Reject(video.CodeInvalidParameter, "params", "crop %+v is out of %dx%d", c, p.Width, p.Height)
	}
	return nil
}

// bitstreamSize is the input buffer size, large enough for one raw frame.
func bitstreamSize(in video.Params) uint32 {
	n := uint32(1 << 16)
	if raw := in.Width * in.Height * 3 / 2; raw > n {
		n = raw
	}
	return n
}

func (s *Stream) State() State { return State(s.state.Load()) }

// Err returns the recorded stream error, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Stream) push(e Event) (uint64, error) {
	seq, err := s.box.Push(e)
	if err != nil {
		return 0, video.Reject(video.CodeWorkerUnavailable, e.Type.String(), "stream %d has no worker", s.ID)
	}
	return seq, nil
}

// AddResource attaches a resource to the list of its direction.
func (s *Stream) AddResource(r *resource.Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(r.Planes) == 0 {
		return video.Reject(video.CodeInvalidParameter, "resource-create", "resource %d has no planes", r.ID)
	}
	if r.Dir == video.Output {
		if err := r.Validate(s.out.Format); err != nil {
			return err
		}
		return s.outputs.Add(r)
	}
	return s.inputs.Add(r)
}

// DestroyResources drops all resources of a direction. Output resources
// still waiting for a frame are reported as cleared.
func (s *Stream) DestroyResources(dir video.Direction) int {
	s.mu.Lock()
	var dropped []*resource.Resource
	n := 0
	if dir == video.Output {
		dropped, s.pending = s.pending, nil
		n = s.outputs.DestroyAll()
	} else {
		n = s.inputs.DestroyAll()
	}
	s.mu.Unlock()
	for _, r := range dropped {
		s.reporter.Completed(s.ID, Completion{ResourceID: r.ID, Dir: video.Output, Cleared: true})
	}
	return n
}

// QueueInput submits the input resource rid holding n bytes of bitstream and
// waits for its decode cycle. Calls are served one at a time.
func (s *Stream) QueueInput(ctx context.Context, rid uint32, n int, ts uint64) (Completion, error) {
	s.inflight.Lock()
	defer s.inflight.Unlock()

	s.mu.Lock()
	r, err := s.inputs.Find(rid)
	if err == nil {
		_, err = resource.Bitstream(r, n)
	}
	if err == nil && s.in.Width == 0 {
		err = video.Reject(video.CodeInvalidOperation, "resource-queue", "input frame size is not set")
	}
	s.mu.Unlock()
	if err != nil {
		return Completion{}, err
	}

	last := s.outWake.Seq()
	seq, err := s.push(Event{Type: EventResourceQueued, Dir: video.Input, Res: r, Len: n, Timestamp: ts})
	if err != nil {
		return s.exitCompletion(rid, ts, err)
	}
	return s.wait(ctx, seq, last, rid, ts)
}

func (s *Stream) wait(ctx context.Context, seq, last uint64, rid uint32, ts uint64) (Completion, error) {
	deadline := time.Now().Add(s.opts.QueueTimeout)
	for {
		s.mu.Lock()
		done, failed, exited := s.done, s.doneErr, s.exited
		s.mu.Unlock()
		if done >= seq {
			return Completion{ResourceID: rid, Dir: video.Input, Error: failed, Timestamp: ts}, nil
		}
		if exited {
			return s.exitCompletion(rid, ts, video.Reject(video.CodeWorkerUnavailable, "resource-queue",
				"stream %d worker has exited", s.ID))
		}
		left := time.Until(deadline)
		if left <= 0 {
			return Completion{}, video.Reject(video.CodeTimeout, "resource-queue",
				"resource %d is not done after %v", rid, s.opts.QueueTimeout)
		}
		var ok bool
		if last, ok = s.outWake.Wait(ctx, last, left); !ok && ctx.Err() != nil {
			return Completion{}, ctx.Err()
		}
	}
}

// exitCompletion reports the error flag of an errored stream,
// or err if the worker has gone for another reason.
func (s *Stream) exitCompletion(rid uint32, ts uint64, err error) (Completion, error) {
	if s.Err() != nil {
		return Completion{ResourceID: rid, Dir: video.Input, Error: true, Timestamp: ts}, nil
	}
	return Completion{}, err
}

// QueueOutput hands an output resource to the worker. Its completion
// is reported when a decoded frame has been copied into it.
func (s *Stream) QueueOutput(rid uint32) error {
	s.mu.Lock()
	r, err := s.outputs.Find(rid)
	if err == nil {
		err = r.Validate(s.out.Format)
	}
	if err == nil {
		for _, p := range s.pending {
			if p.ID == rid {
				err = video.Reject(video.CodeInvalidOperation, "resource-queue", "resource %d is already queued", rid)
				break
			}
		}
	}
	if err == nil {
		s.pending = append(s.pending, r)
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if _, err = s.push(Event{Type: EventResourceQueued, Dir: video.Output}); err != nil {
		s.mu.Lock()
		for i, p := range s.pending {
			if p == r {
				s.pending = append(s.pending[:i], s.pending[i+1:]...)
				break
			}
		}
		failed := s.status != nil
		s.mu.Unlock()
		if failed {
			s.reporter.Completed(s.ID, Completion{ResourceID: rid, Dir: video.Output, Error: true})
			return nil
		}
	}
	return err
}

func (s *Stream) popPending() *resource.Resource {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	r := s.pending[0]
	s.pending = s.pending[1:]
	return r
}

func (s *Stream) Drain() error {
	_, err := s.push(Event{Type: EventDrain})
	return err
}

func (s *Stream) Clear(dir video.Direction) error {
	_, err := s.push(Event{Type: EventQueueClear, Dir: dir})
	return err
}

// Terminate asks the worker to exit after its current cycle.
func (s *Stream) Terminate() { _, _ = s.box.Push(Event{Type: EventTerminate}) }

// Join waits for the worker to exit.
func (s *Stream) Join() {
	if v := s.thread.Join(); v != nil {
		s.log.Error().Msgf("Worker panic: %v", v)
	}
}

// Done is closed when the worker has exited.
func (s *Stream) Done() <-chan struct{} { return s.thread.Done() }

func (s *Stream) Params(dir video.Direction) video.Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dir == video.Input {
		return s.in.Clone()
	}
	return s.out.Clone()
}

// SetParams changes the params of one queue and lets the worker re-home
// the session. It returns the params in effect.
func (s *Stream) SetParams(p video.Params) (video.Params, error) {
	s.mu.Lock()
	in, out, auto := s.in, s.out, s.outAuto
	if p.Direction == video.Input {
		if p.Codec == video.CodecUnknown {
			p.Codec = in.Codec
		}
		in = p
		if auto {
			out.Width, out.Height, out.Crop = 0, 0, video.Crop{}
		}
	} else {
		if p.Format == video.FormatUnknown {
			p.Format = out.Format
		}
		out = p
	}
	if p.Direction == video.Input && (p.Width == 0 || p.Height == 0) {
		s.mu.Unlock()
		return p, video.Reject(video.CodeInvalidParameter, "set-params", "input frame size is required")
	}
	nin, nout, err := s.normalize(in, out)
	if err != nil {
		s.outAuto = auto
		s.mu.Unlock()
		return p, err
	}
	s.in, s.out = nin, nout
	res := s.in.Clone()
	if p.Direction == video.Output {
		res = s.out.Clone()
	}
	s.mu.Unlock()

	_, err = s.push(Event{Type: EventParamChanged, Dir: p.Direction})
	return res, err
}

func (s *Stream) Control(dir video.Direction, ctl video.Control) (uint32, error) {
	if dir != video.Input {
		return 0, video.Reject(video.CodeUnsupported, "get-control", "%v has no controls", dir)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.ctl.Get(ctl)
	if !ok {
		return 0, video.Reject(video.CodeUnsupported, "get-control", "unknown control %d", ctl)
	}
	return v, nil
}

func (s *Stream) SetControl(dir video.Direction, ctl video.Control, v uint32) error {
	if dir != video.Input {
		return video.Reject(video.CodeUnsupported, "set-control", "%v has no controls", dir)
	}
	s.mu.Lock()
	ok := s.ctl.Set(ctl, v)
	s.mu.Unlock()
	if !ok {
		return video.Reject(video.CodeUnsupported, "set-control", "unknown control %d", ctl)
	}
	_, err := s.push(Event{Type: EventParamChanged, Dir: dir})
	return err
}

// Info is a point in time view of a stream.
type Info struct {
	ID       uint32         `json:"id"`
	Session  string         `json:"session"`
	Started  time.Time      `json:"started"`
	Tag      string         `json:"tag,omitempty"`
	State    string         `json:"state"`
	Error    string         `json:"error,omitempty"`
	In       video.Params   `json:"in"`
	Out      video.Params   `json:"out"`
	Controls video.Controls `json:"controls"`
	Inputs   int            `json:"inputs"`
	Outputs  int            `json:"outputs"`
	Pending  int            `json:"pending"`
	Events   int            `json:"events"`
	Retries  int            `json:"drain_retries"`
}

func (s *Stream) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := Info{
		ID:       s.ID,
		Session:  s.Session.String(),
		Started:  s.Session.Started(),
		Tag:      s.Tag,
		State:    s.State().String(),
		In:       s.in.Clone(),
		Out:      s.out.Clone(),
		Controls: s.ctl,
		Inputs:   s.inputs.Len(),
		Outputs:  s.outputs.Len(),
		Pending:  len(s.pending),
		Events:   s.box.Len(),
		Retries:  s.retries,
	}
	if s.status != nil {
		i.Error = s.status.Error()
	}
	return i
}

var errNotConfigured = errors.New("stream frame size is not set")
