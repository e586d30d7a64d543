// Package device keeps the streams of one decode device and runs the
// commands of the transport against them.
package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/gofrs/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vdecode/vdec/pkg/codec"
	"github.com/vdecode/vdec/pkg/com"
	"github.com/vdecode/vdec/pkg/config"
	"github.com/vdecode/vdec/pkg/engine"
	"github.com/vdecode/vdec/pkg/logger"
	"github.com/vdecode/vdec/pkg/resource"
	"github.com/vdecode/vdec/pkg/stream"
	"github.com/vdecode/vdec/pkg/video"
)

var ErrClosed = errors.New("device is closed")

type Device struct {
	ID uuid.UUID

	accel    engine.Accel
	max      int
	streams  *com.Map[uint32, *stream.Stream]
	opts     atomic.Pointer[stream.Options]
	reporter stream.Reporter
	metrics  *stream.Metrics
	log      *logger.Logger

	// mu serializes the registry commands
	mu     sync.Mutex
	closed bool
}

// New creates a device on an initialized accelerator. Metrics are
// registered with reg when it's not nil.
func New(accel engine.Accel, conf config.Config, reporter stream.Reporter, reg prometheus.Registerer, log *logger.Logger) (*Device, error) {
	if accel == nil {
		return nil, errors.New("no accelerator")
	}
	if log == nil {
		log = logger.Default()
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("device id: %w", err)
	}
	d := &Device{
		ID:       id,
		accel:    accel,
		max:      conf.Device.MaxStreams,
		streams:  com.NewMap[uint32, *stream.Stream](),
		reporter: reporter,
		metrics:  stream.NewMetrics(reg),
		log:      log.Extend(log.With().Str("device", id.String()[:8]).Str("engine", accel.Name())),
	}
	if err := d.SetPipeline(conf.Pipeline); err != nil {
		return nil, err
	}
	return d, nil
}

// OptionsOf maps the pipeline tunables to stream options.
func OptionsOf(p config.Pipeline) (stream.Options, error) {
	if err := p.Validate(); err != nil {
		return stream.Options{}, err
	}
	f, _ := p.Format()
	return stream.Options{
		Codec: codec.Options{
			DecodeTimeout:   p.DecodeTimeout,
			ConvertPoll:     p.ConvertPoll,
			ConvertMaxPolls: p.ConvertMaxPolls,
			DrainRetries:    p.DrainRetries,
			MaxPoolBytes:    p.MaxPoolBytes,
			ExtraSurfaces:   p.ExtraSurfaces,
		},
		QueueTimeout:  p.QueueTimeout,
		DefaultFormat: f,
	}, nil
}

// SetPipeline replaces the tunables of the streams created from now on.
func (d *Device) SetPipeline(p config.Pipeline) error {
	opts, err := OptionsOf(p)
	if err != nil {
		return err
	}
	d.opts.Store(&opts)
	d.log.Debug().Msgf("Pipeline: %+v", p)
	return nil
}

func (d *Device) Metrics() *stream.Metrics { return d.metrics }

func (d *Device) find(op string, id uint32) (*stream.Stream, error) {
	s, err := d.streams.Find(id)
	if err != nil {
		return nil, video.Reject(video.CodeInvalidStreamID, op, "no stream %d", id)
	}
	return s, nil
}

// StreamCreate starts stream id. The output params may be empty, then the
// output follows the input geometry in the default format.
func (d *Device) StreamCreate(id uint32, tag string, in, out video.Params) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return video.Reject(video.CodeInvalidOperation, "stream-create", "%v", ErrClosed)
	}
	if d.streams.Has(id) {
		return video.Reject(video.CodeInvalidStreamID, "stream-create", "stream %d exists", id)
	}
	if d.max > 0 && d.streams.Len() >= d.max {
		return video.Reject(video.CodeOutOfMemory, "stream-create", "%d streams max", d.max)
	}
	in.Direction, out.Direction = video.Input, video.Output
	s, err := stream.Start(stream.Config{
		ID:       id,
		Tag:      tag,
		In:       in,
		Out:      out,
		Options:  *d.opts.Load(),
		Accel:    d.accel,
		Reporter: d.reporter,
		Metrics:  d.metrics,
		Log:      d.log,
	})
	if err != nil {
		d.log.Warn().Err(err).Uint32(logger.StreamField, id).Msg("Stream create failed")
		return err
	}
	d.streams.Put(id, s)
	d.metrics.Active(1)
	d.log.Info().Uint32(logger.StreamField, id).Str("tag", tag).Msgf("Stream created [%v]", in.Codec)
	return nil
}

// StreamDestroy terminates the worker of stream id and waits for it.
// The stream stops being visible before the wait.
func (d *Device) StreamDestroy(id uint32) error {
	d.mu.Lock()
	s, err := d.streams.Pop(id)
	d.mu.Unlock()
	if err != nil {
		return video.Reject(video.CodeInvalidStreamID, "stream-destroy", "no stream %d", id)
	}
	d.destroy(s)
	return nil
}

func (d *Device) destroy(s *stream.Stream) {
	s.Terminate()
	s.Join()
	d.metrics.Active(-1)
	d.log.Info().Uint32(logger.StreamField, s.ID).Msg("Stream destroyed")
}

func (d *Device) StreamDrain(id uint32) error {
	s, err := d.find("stream-drain", id)
	if err != nil {
		return err
	}
	return s.Drain()
}

func (d *Device) ResourceCreate(id uint32, r *resource.Resource) error {
	s, err := d.find("resource-create", id)
	if err != nil {
		return err
	}
	return s.AddResource(r)
}

// ResourceQueue binds a resource. An input resource of n bytes is decoded
// before the call returns its completion. Output resources complete
// through the reporter.
func (d *Device) ResourceQueue(ctx context.Context, id uint32, dir video.Direction, rid uint32, n int, ts uint64) (stream.Completion, error) {
	s, err := d.find("resource-queue", id)
	if err != nil {
		return stream.Completion{}, err
	}
	if dir == video.Output {
		return stream.Completion{}, s.QueueOutput(rid)
	}
	return s.QueueInput(ctx, rid, n, ts)
}

// ResourceDestroyAll returns the number of dropped resources.
func (d *Device) ResourceDestroyAll(id uint32, dir video.Direction) (int, error) {
	s, err := d.find("resource-destroy-all", id)
	if err != nil {
		return 0, err
	}
	return s.DestroyResources(dir), nil
}

func (d *Device) QueueClear(id uint32, dir video.Direction) error {
	s, err := d.find("queue-clear", id)
	if err != nil {
		return err
	}
	return s.Clear(dir)
}

func (d *Device) GetParams(id uint32, dir video.Direction) (video.Params, error) {
	s, err := d.find("get-params", id)
	if err != nil {
		return video.Params{}, err
	}
	return s.Params(dir), nil
}

func (d *Device) SetParams(id uint32, p video.Params) (video.Params, error) {
	s, err := d.find("set-params", id)
	if err != nil {
		return video.Params{}, err
	}
	return s.SetParams(p)
}

func (d *Device) GetControl(id uint32, dir video.Direction, ctl video.Control) (uint32, error) {
	s, err := d.find("get-control", id)
	if err != nil {
		return 0, err
	}
	return s.Control(dir, ctl)
}

func (d *Device) SetControl(id uint32, dir video.Direction, ctl video.Control, v uint32) error {
	s, err := d.find("set-control", id)
	if err != nil {
		return err
	}
	return s.SetControl(dir, ctl, v)
}

// Streams returns a snapshot of the streams ordered by id.
func (d *Device) Streams() []stream.Info {
	all := d.streams.Values()
	info := make([]stream.Info, len(all))
	for i, s := range all {
		info[i] = s.Info()
	}
	sort.Slice(info, func(i, j int) bool { return info[i].ID < info[j].ID })
	return info
}

func (d *Device) Len() int { return d.streams.Len() }

// Close destroys every stream. Streams that ended with an error are
// reported in the returned error.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	var all []*stream.Stream
	for _, s := range d.streams.Values() {
		if v, err := d.streams.Pop(s.ID); err == nil {
			all = append(all, v)
		}
	}
	d.mu.Unlock()

	for _, s := range all {
		s.Terminate()
	}
	var result *multierror.Error
	for _, s := range all {
		d.destroy(s)
		if err := s.Err(); err != nil {
			result = multierror.Append(result, fmt.Errorf("stream %d: %w", s.ID, err))
		}
	}
	return result.ErrorOrNil()
}
