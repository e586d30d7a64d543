package stream

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "vdec"

// Cycle results.
const (
	CycleOK      = "ok"
	CycleSkipped = "skipped"
	CycleError   = "error"
	CycleDropped = "dropped"
)

// Metrics are the pipeline collectors shared by the streams of a device.
// A nil *Metrics records nothing.
type Metrics struct {
	StreamsActive prometheus.Gauge
	Cycles        *prometheus.CounterVec
	DecodeSeconds prometheus.Histogram
	BusyPolls     prometheus.Counter
	SurfacesInUse *prometheus.GaugeVec
	DrainAttempts prometheus.Counter
	Transitions   *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg, if any.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StreamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "streams_active", Help: "Number of streams with a live worker.",
		}),
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cycles_total", Help: "Decode cycles by result.",
		}, []string{"result"}),
		DecodeSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "decode_seconds", Help: "Engine decode latency.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		BusyPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "convert_busy_polls_total", Help: "Busy answers of the converter.",
		}),
		SurfacesInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "surfaces_in_use", Help: "Surfaces that can't be acquired.",
		}, []string{"sid", "pool"}),
		DrainAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "drain_attempts_total", Help: "End-of-stream decode attempts.",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "worker_state_transitions_total", Help: "Worker state changes.",
		}, []string{"to"}),
	}
	if reg != nil {
		reg.MustRegister(m.StreamsActive, m.Cycles, m.DecodeSeconds, m.BusyPolls,
			m.SurfacesInUse, m.DrainAttempts, m.Transitions)
	}
	return m
}

func (m *Metrics) cycle(result string) {
	if m != nil {
		m.Cycles.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) decode(d time.Duration) {
	if m != nil {
		m.DecodeSeconds.Observe(d.Seconds())
	}
}

func (m *Metrics) busy(n int) {
	if m != nil && n > 0 {
		m.BusyPolls.Add(float64(n))
	}
}

func (m *Metrics) drain(n int) {
	if m != nil {
		m.DrainAttempts.Add(float64(n))
	}
}

func (m *Metrics) transition(to State) {
	if m != nil {
		m.Transitions.WithLabelValues(to.String()).Inc()
	}
}

func (m *Metrics) surfaces(sid uint32, pool string, n int) {
	if m != nil {
		m.SurfacesInUse.WithLabelValues(strconv.FormatUint(uint64(sid), 10), pool).Set(float64(n))
	}
}

func (m *Metrics) forget(sid uint32) {
	if m != nil {
		m.SurfacesInUse.DeletePartialMatch(prometheus.Labels{"sid": strconv.FormatUint(uint64(sid), 10)})
	}
}

// Active moves the live stream gauge by delta.
func (m *Metrics) Active(delta int) {
	if m != nil {
		m.StreamsActive.Add(float64(delta))
	}
}
