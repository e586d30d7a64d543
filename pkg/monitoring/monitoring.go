// Package monitoring serves the device metrics, the profiler and a
// snapshot of the streams over HTTP.
package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vdecode/vdec/pkg/config"
	"github.com/vdecode/vdec/pkg/logger"
	"github.com/vdecode/vdec/pkg/stream"
)

// Source lists the streams of a device.
type Source interface {
	Streams() []stream.Info
}

type Monitoring struct {
	conf   config.Monitoring
	tag    string
	server *Server
	log    *logger.Logger
}

type snapshot struct {
	Tag     string        `json:"tag"`
	Streams []stream.Info `json:"streams"`
}

// New creates the monitoring service.
// The tag param names the device in the stream snapshot.
func New(conf config.Monitoring, tag string, metrics prometheus.Gatherer, src Source, log *logger.Logger) (*Monitoring, error) {
	if log == nil {
		log = logger.Default()
	}
	serv, err := NewServer(fmt.Sprintf(":%d", conf.Port), func(serv *Server) http.Handler {
		return handler(conf, tag, metrics, src, log, serv.Addr)
	}, true, log)
	if err != nil {
		return nil, fmt.Errorf("monitoring: %w", err)
	}
	return &Monitoring{conf: conf, tag: tag, server: serv, log: log}, nil
}

func handler(conf config.Monitoring, tag string, metrics prometheus.Gatherer, src Source, log *logger.Logger, addr string) http.Handler {
	h := http.NewServeMux()

	if conf.ProfilingEnabled {
		prefix := conf.URLPrefix + "/debug/pprof"
		log.Info().Msgf("Profiling is enabled at %v", addr+prefix)
		h.HandleFunc(prefix+"/", pprof.Index)
		h.HandleFunc(prefix+"/cmdline", pprof.Cmdline)
		h.HandleFunc(prefix+"/profile", pprof.Profile)
		h.HandleFunc(prefix+"/symbol", pprof.Symbol)
		h.HandleFunc(prefix+"/trace", pprof.Trace)
		// named profiles aren't served by Index under a custom prefix
		for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
			h.Handle(prefix+"/"+name, pprof.Handler(name))
		}
	}

	if conf.MetricEnabled && metrics != nil {
		path := conf.URLPrefix + "/metrics"
		log.Info().Msgf("Prometheus metric is enabled at %v", addr+path)
		h.Handle(path, promhttp.HandlerFor(metrics, promhttp.HandlerOpts{}))
	}

	if src != nil {
		h.HandleFunc(conf.URLPrefix+"/streams", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(snapshot{Tag: tag, Streams: src.Streams()}); err != nil {
				log.Warn().Err(err).Msg("streams snapshot")
			}
		})
	}
	return h
}

func (m *Monitoring) Addr() string { return m.server.Addr }

func (m *Monitoring) Run() {
	m.log.Info().Msgf("Starting monitoring server at %v", m.server.Addr)
	m.server.Run()
}

func (m *Monitoring) Shutdown(ctx context.Context) error {
	m.log.Info().Msg("Shutting down monitoring server")
	return m.server.Shutdown(ctx)
}

func (m *Monitoring) String() string {
	return fmt.Sprintf("monitoring::%s:%d", m.conf.URLPrefix, m.conf.Port)
}
