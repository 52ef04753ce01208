// Package metrics provides Prometheus collectors for build runs.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for finished runs.
const (
	OutcomeSuccess     = "success"
	OutcomeFailure     = "failure"
	OutcomeCancelled   = "cancelled"
	OutcomeLaunchError = "launch_error"
)

// Stream labels for output byte counters.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Recorder records run metrics into its own registry.
type Recorder struct {
	registry *prometheus.Registry

	started  *prometheus.CounterVec
	finished *prometheus.CounterVec
	duration *prometheus.HistogramVec
	output   *prometheus.CounterVec
	decode   *prometheus.CounterVec
	running  prometheus.Gauge
}

// New creates a Recorder backed by a fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		started: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buildrun",
			Subsystem: "run",
			Name:      "started_total",
			Help:      "Runs launched successfully",
		}, []string{"build"}),
		finished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buildrun",
			Subsystem: "run",
			Name:      "finished_total",
			Help:      "Runs that reached a final state",
		}, []string{"build", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "buildrun",
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Wall-clock time from spawn to finish",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"build", "outcome"}),
		output: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buildrun",
			Subsystem: "output",
			Name:      "bytes_total",
			Help:      "Bytes read from child output streams",
		}, []string{"build", "stream"}),
		decode: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buildrun",
			Subsystem: "output",
			Name:      "decode_errors_total",
			Help:      "Output chunks that failed to decode",
		}, []string{"build"}),
		running: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "buildrun",
			Subsystem: "run",
			Name:      "running",
			Help:      "Runs currently in progress",
		}),
	}
}

// Registry exposes the underlying registry, e.g. for an HTTP handler.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Started records a successful launch.
func (r *Recorder) Started(build string) {
	r.started.WithLabelValues(build).Inc()
	r.running.Inc()
}

// Output adds n bytes read from stream.
func (r *Recorder) Output(build, stream string, n int) {
	r.output.WithLabelValues(build, stream).Add(float64(n))
}

// DecodeError counts a chunk that could not be decoded.
func (r *Recorder) DecodeError(build string) {
	r.decode.WithLabelValues(build).Inc()
}

// Finished records the end of a run that Started saw.
func (r *Recorder) Finished(build, outcome string, elapsed time.Duration) {
	r.running.Dec()
	r.finished.WithLabelValues(build, outcome).Inc()
	r.duration.WithLabelValues(build, outcome).Observe(elapsed.Seconds())
}

// LaunchFailed records a run that never started.
func (r *Recorder) LaunchFailed(build string) {
	r.finished.WithLabelValues(build, OutcomeLaunchError).Inc()
}

// WriteTextfile writes the current values in the node_exporter textfile
// format. The file is replaced atomically.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// Outcome classifies a finished run.
func Outcome(exitCode int, cancelled bool) string {
	switch {
	case cancelled:
		return OutcomeCancelled
	case exitCode == 0:
		return OutcomeSuccess
	default:
		return OutcomeFailure
	}
}
