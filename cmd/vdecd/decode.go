package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/vdecode/vdec/pkg/device"
	"github.com/vdecode/vdec/pkg/logger"
	"github.com/vdecode/vdec/pkg/resource"
	"github.com/vdecode/vdec/pkg/stream"
	"github.com/vdecode/vdec/pkg/video"
)

const (
	streamID = 1
	inputID  = 1
	outputID = 100
	minInput = 1 << 20
)

// collector receives the asynchronous completions of the device.
type collector struct {
	done   chan stream.Completion
	drains chan bool
}

func newCollector() *collector {
	return &collector{done: make(chan stream.Completion, 64), drains: make(chan bool, 4)}
}

func (c *collector) Completed(_ uint32, cp stream.Completion) { c.done <- cp }
func (c *collector) Drained(_ uint32, ok bool)                { c.drains <- ok }

type job struct {
	// Codec is taken from the first unit when unknown.
	Codec         video.Codec
	Width, Height int
	Out           video.Params
	Outputs       int
	DrainTimeout  time.Duration
}

type stats struct {
	Units, Frames, Cleared int
}

type fileDecoder struct {
	dev  *device.Device
	rep  *collector
	dst  io.Writer
	log  *logger.Logger
	in   *resource.Resource
	outs map[uint32]*resource.Resource
	st   stats
}

// decodeFile decodes the units of src on a new stream and writes
// the frames to dst.
func decodeFile(ctx context.Context, dev *device.Device, rep *collector, src io.Reader, dst io.Writer, j job, log *logger.Logger) (stats, error) {
	units := newUnitReader(src)
	u, err := units.Next()
	if errors.Is(err, io.EOF) {
		return stats{}, errors.New("no units in the input")
	}
	if err != nil {
		return stats{}, err
	}
	if j.Codec == video.CodecUnknown {
		j.Codec = u.Codec
	}
	if j.Outputs <= 0 {
		j.Outputs = 2
	}
	in := video.Params{Codec: j.Codec, Width: uint32(j.Width), Height: uint32(j.Height)}
	if err := dev.StreamCreate(streamID, "file", in, j.Out); err != nil {
		return stats{}, err
	}
	defer func() {
		if err := dev.StreamDestroy(streamID); err != nil {
			log.Warn().Err(err).Msg("Stream destroy")
		}
	}()

	d := &fileDecoder{dev: dev, rep: rep, dst: dst, log: log, outs: map[uint32]*resource.Resource{}}
	if err := d.outputs(j.Outputs); err != nil {
		return d.st, err
	}
	for {
		if err := d.submit(ctx, u); err != nil {
			return d.st, err
		}
		if err := d.collect(); err != nil {
			return d.st, err
		}
		if u, err = units.Next(); errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return d.st, err
		}
	}
	return d.st, d.drain(ctx, j.DrainTimeout)
}

func (d *fileDecoder) outputs(n int) error {
	p, err := d.dev.GetParams(streamID, video.Output)
	if err != nil {
		return err
	}
	size := 0
	for _, pl := range p.Planes {
		size += int(pl.Size)
	}
	for i := 0; i < n; i++ {
		r := &resource.Resource{ID: uint32(outputID + i), Dir: video.Output, Planes: p.Planes, Mem: [][]byte{make([]byte, size)}}
		if err := d.dev.ResourceCreate(streamID, r); err != nil {
			return err
		}
		d.outs[r.ID] = r
		if err := d.queue(r.ID); err != nil {
			return err
		}
	}
	d.log.Info().Msgf("Output %v %dx%d, %d buffers", p.Format, p.Width, p.Height, n)
	return nil
}

func (d *fileDecoder) queue(rid uint32) error {
	_, err := d.dev.ResourceQueue(context.Background(), streamID, video.Output, rid, 0, 0)
	return err
}

// submit decodes one unit, the input buffer grows to fit it.
func (d *fileDecoder) submit(ctx context.Context, u unit) error {
	if d.in == nil || len(d.in.Mem[0]) < len(u.Data) {
		if d.in != nil {
			if _, err := d.dev.ResourceDestroyAll(streamID, video.Input); err != nil {
				return err
			}
		}
		size := max(minInput, len(u.Data))
		d.in = &resource.Resource{ID: inputID, Dir: video.Input, Planes: []video.Plane{{Size: uint32(size)}}, Mem: [][]byte{make([]byte, size)}}
		if err := d.dev.ResourceCreate(streamID, d.in); err != nil {
			return err
		}
	}
	copy(d.in.Mem[0], u.Data)
	c, err := d.dev.ResourceQueue(ctx, streamID, video.Input, inputID, len(u.Data), u.PTS)
	if err != nil {
		return fmt.Errorf("unit %d: %w", d.st.Units, err)
	}
	if c.Error {
		return fmt.Errorf("unit %d: stream failed", d.st.Units)
	}
	d.st.Units++
	return nil
}

// collect writes the frames completed so far.
func (d *fileDecoder) collect() error {
	for {
		select {
		case c := <-d.rep.done:
			if err := d.write(c); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (d *fileDecoder) write(c stream.Completion) error {
	r, ok := d.outs[c.ResourceID]
	if c.Dir != video.Output || !ok {
		return nil
	}
	switch {
	case c.Error:
		return fmt.Errorf("output %d: stream failed", c.ResourceID)
	case c.Cleared:
		d.st.Cleared++
		return nil
	}
	if _, err := d.dst.Write(r.Mem[0][:c.Bytes]); err != nil {
		return err
	}
	d.st.Frames++
	d.log.Debug().Uint64("pts", c.Timestamp).Int("frame", d.st.Frames).Msg("Frame")
	return d.queue(r.ID)
}

func (d *fileDecoder) drain(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if err := d.dev.StreamDrain(streamID); err != nil {
		return err
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case c := <-d.rep.done:
			if err := d.write(c); err != nil {
				return err
			}
		case ok := <-d.rep.drains:
			if !ok {
				return errors.New("drain has failed")
			}
			return d.collect()
		case <-deadline.C:
			return errors.New("drain timed out")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
