// Command vdecd runs a decode device. Given an input file of framed
// bitstream units it decodes them on one stream and writes the frames
// to the output file.
package main

import (
	"bufio"
	"context"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"github.com/vdecode/vdec/pkg/config"
	"github.com/vdecode/vdec/pkg/device"
	"github.com/vdecode/vdec/pkg/engine"
	"github.com/vdecode/vdec/pkg/engine/native"
	"github.com/vdecode/vdec/pkg/engine/soft"
	"github.com/vdecode/vdec/pkg/logger"
	"github.com/vdecode/vdec/pkg/monitoring"
	xos "github.com/vdecode/vdec/pkg/os"
	"github.com/vdecode/vdec/pkg/service"
	"github.com/vdecode/vdec/pkg/video"
)

var Version = "?"

type options struct {
	in, out string
	codec   string
	format  string
	width   int
	height  int
	reorder int
	serve   bool
}

func main() { os.Exit(run()) }

func run() int {
	fs := pflag.CommandLine
	flags := new(config.Flags).WithFlags(fs)
	var o options
	fs.StringVarP(&o.in, "in", "i", "", "Input file of framed bitstream units")
	fs.StringVarP(&o.out, "out", "o", "frames.raw", "Output file of decoded frames")
	fs.StringVar(&o.codec, "codec", "", "Coded format, taken from the first unit when empty")
	fs.StringVar(&o.format, "format", "", "Output pixel format: [argb8888, bgra, rgba, i420, nv12]")
	fs.IntVar(&o.width, "width", 0, "Coded frame width")
	fs.IntVar(&o.height, "height", 0, "Coded frame height")
	fs.IntVar(&o.reorder, "soft.reorder", 0, "Frames held back by the soft engine")
	fs.BoolVar(&o.serve, "serve", false, "Keep serving after the decode until terminated")
	pflag.Parse()

	conf, dirs, err := config.NewConfig(flags.Path)
	if err != nil {
		logger.Default().Error().Err(err).Msg("config")
		return 2
	}
	flags.Apply(&conf, fs)

	level := logger.ParseLevel(conf.Log.Level, flags.Debug)
	log := logger.New(level)
	if conf.Log.Console {
		log = logger.NewConsole(level, "vdecd", conf.Log.NoColor)
	}
	log.Info().Msgf("version %s", Version)
	log.Debug().Msgf("config: %+v", conf)

	lock, err := xos.NewFileLock(conf.Device.LockFile)
	if err == nil {
		err = lock.TryLock()
	}
	if err != nil {
		log.Error().Err(err).Msg("Device lock")
		return 1
	}
	defer func() { _ = lock.Unlock() }()

	accel, err := newAccel(conf.Device, o.reorder)
	if err != nil {
		log.Error().Err(err).Msg("Accelerator")
		return 1
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rep := newCollector()
	dev, err := device.New(accel, conf, rep, reg, log)
	if err != nil {
		log.Error().Err(err).Msg("Device")
		return 1
	}

	var services service.Group
	if path, ok := config.Locate(dirs); ok {
		w, err := config.NewWatcher(path, func(p config.Pipeline) {
			if err := dev.SetPipeline(p); err != nil {
				log.Warn().Err(err).Msg("Pipeline reload")
			}
		}, log)
		if err != nil {
			log.Warn().Err(err).Msg("Config watcher")
		} else {
			services.Add(w)
		}
	}
	if conf.Monitoring.IsEnabled() {
		mon, err := monitoring.New(conf.Monitoring, dev.ID.String(), reg, dev, log)
		if err != nil {
			log.Error().Err(err).Msg("Monitoring")
			return 1
		}
		services.Add(mon)
	}
	services.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := xos.ExpectTermination()
	go func() {
		sig := <-stop
		log.Info().Str("signal", sig.String()).Msg("Terminating")
		cancel()
	}()

	code := 0
	if o.in != "" {
		if err := decode(ctx, dev, rep, o, conf.Pipeline, log); err != nil {
			log.Error().Err(err).Msg("Decode has failed")
			code = 1
		}
	}
	if o.serve || o.in == "" {
		<-ctx.Done()
	}

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	if err := services.Shutdown(sctx); err != nil {
		log.Error().Err(err).Msg("service shutdown errors")
	}
	if err := dev.Close(); err != nil {
		log.Error().Err(err).Msg("device shutdown errors")
	}
	return code
}

func newAccel(conf config.Device, reorder int) (engine.Accel, error) {
	if conf.Engine == "native" {
		return native.Load(conf.NativeLib)
	}
	return soft.New(soft.Options{Reorder: reorder}), nil
}

func decode(ctx context.Context, dev *device.Device, rep *collector, o options, p config.Pipeline, log *logger.Logger) error {
	j := job{Width: o.width, Height: o.height, DrainTimeout: p.DecodeTimeout * time.Duration(p.DrainRetries+1)}
	var err error
	if o.codec != "" {
		if j.Codec, err = video.ParseCodec(o.codec); err != nil {
			return err
		}
	}
	if o.format != "" {
		if j.Out.Format, err = video.ParsePixelFormat(o.format); err != nil {
			return err
		}
	}

	src, err := os.Open(o.in)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()
	f, err := os.Create(o.out)
	if err != nil {
		return err
	}
	dst := bufio.NewWriter(f)

	start := time.Now()
	st, err := decodeFile(ctx, dev, rep, bufio.NewReader(src), dst, j, log)
	if ferr := dst.Flush(); err == nil {
		err = ferr
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	log.Info().Int("units", st.Units).Int("frames", st.Frames).Int("cleared", st.Cleared).
		Dur("took", time.Since(start)).Msgf("Decoded %s into %s", o.in, o.out)
	return err
}
