// Package metrics holds the Prometheus instruments for a posepipe run.
//
// Batch commands write the registry to a textfile (node_exporter textfile
// collector format) when they finish; `serve` exposes it over HTTP.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "posepipe"

// Frame outcomes
const (
	FrameDetected = "detected"
	FrameMissed   = "missed"
)

// Video outcomes
const (
	VideoOK     = "ok"
	VideoEmpty  = "empty"
	VideoFailed = "failed"
)

// Metrics is a per-process set of instruments. All methods are safe on a nil
// receiver so components can take an optional *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	frames        *prometheus.CounterVec
	videos        *prometheus.CounterVec
	rows          prometheus.Counter
	evalAccuracy  prometheus.Gauge
	converterExit prometheus.Gauge
	stageDuration *prometheus.HistogramVec
}

// New creates the instruments on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames run through the pose estimator, by outcome.",
		}, []string{"result"}),
		videos: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "videos_total",
			Help:      "Videos processed during extraction, by outcome.",
		}, []string{"status"}),
		rows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_emitted_total",
			Help:      "Keypoint rows emitted into the dataset.",
		}),
		evalAccuracy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "eval_accuracy",
			Help:      "Accuracy of the last trained model on the evaluation partition.",
		}),
		converterExit: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "converter_exit_code",
			Help:      "Exit code of the last model converter invocation.",
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time of pipeline stages.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"stage"}),
	}
	m.registry.MustRegister(m.frames, m.videos, m.rows, m.evalAccuracy, m.converterExit, m.stageDuration)
	return m
}

// WithRuntimeCollectors adds Go runtime and process collectors. Only useful
// for long-running processes.
func (m *Metrics) WithRuntimeCollectors() *Metrics {
	if m == nil {
		return nil
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Frame(detected bool) {
	if m == nil {
		return
	}
	if detected {
		m.frames.WithLabelValues(FrameDetected).Inc()
	} else {
		m.frames.WithLabelValues(FrameMissed).Inc()
	}
}

func (m *Metrics) Video(status string) {
	if m == nil {
		return
	}
	m.videos.WithLabelValues(status).Inc()
}

func (m *Metrics) Rows(n int) {
	if m == nil {
		return
	}
	m.rows.Add(float64(n))
}

func (m *Metrics) EvalAccuracy(acc float64) {
	if m == nil {
		return
	}
	m.evalAccuracy.Set(acc)
}

func (m *Metrics) ConverterExit(code int) {
	if m == nil {
		return
	}
	m.converterExit.Set(float64(code))
}

// ObserveStage records how long a stage took since start.
func (m *Metrics) ObserveStage(stage string, start time.Time) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// WriteTextfile atomically writes the registry in text exposition format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}

// Handler serves the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
