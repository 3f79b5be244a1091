// Package prometheus exports engine step metrics through client_golang.
package prometheus

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-normalize/core"
	"github.com/prometheus/client_golang/prometheus"
)

// Labels are the tag keys the engine attaches to step metrics. Tags outside
// this set are dropped; missing tags export as "".
var Labels = []string{"metric", "step", "status", "mode", "service_id", "checkpoint", "dialect"}

type Config struct {
	Namespace string
	Subsystem string
	Buckets   []float64
}

func DefaultConfig() Config {
	return Config{
		Namespace: "normalize",
		Buckets:   prometheus.DefBuckets,
	}
}

// Recorder implements core.MetricsRecorder on a CounterVec and a
// HistogramVec. Histogram names ending in _ms are exported in seconds.
type Recorder struct {
	registry  *prometheus.Registry
	events    *prometheus.CounterVec
	durations *prometheus.HistogramVec
}

var _ core.MetricsRecorder = (*Recorder)(nil)

// NewRecorder registers the vectors on a fresh registry.
func NewRecorder(cfg Config) *Recorder {
	reg := prometheus.NewRegistry()
	recorder, _ := NewRecorderWithRegisterer(cfg, reg)
	recorder.registry = reg
	return recorder
}

func NewRecorderWithRegisterer(cfg Config, registerer prometheus.Registerer) (*Recorder, error) {
	if len(cfg.Buckets) == 0 {
		cfg.Buckets = prometheus.DefBuckets
	}
	recorder := &Recorder{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "events_total",
			Help:      "Pipeline step outcomes of normalization runs",
		}, Labels),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "step_duration_seconds",
			Help:      "Duration of normalization pipeline steps in seconds",
			Buckets:   cfg.Buckets,
		}, Labels),
	}
	if registerer != nil {
		for _, collector := range []prometheus.Collector{recorder.events, recorder.durations} {
			if err := registerer.Register(collector); err != nil {
				return nil, err
			}
		}
	}
	return recorder, nil
}

// WriteTextfile dumps the registry in the node exporter textfile format.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || r.registry == nil {
		return fmt.Errorf("prometheus: recorder has no registry to write")
	}
	return prometheus.WriteToTextfile(path, r.registry)
}

// Registry is nil when the recorder was built on a caller registerer.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	if r == nil || value < 0 {
		return
	}
	r.events.With(labelValues(metricName(name, ".total"), tags)).Add(float64(value))
}

func (r *Recorder) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	if r == nil {
		return
	}
	if strings.HasSuffix(name, "_ms") {
		value /= 1000
	}
	r.durations.With(labelValues(metricName(name, ".duration_ms"), tags)).Observe(value)
}

// metricName strips the engine prefix and suffix so "normalize.swap.total"
// exports as metric="swap".
func metricName(name, suffix string) string {
	name = strings.TrimSpace(name)
	name = strings.TrimPrefix(name, "normalize.")
	name = strings.TrimSuffix(name, suffix)
	return strings.ReplaceAll(name, ".", "_")
}

func labelValues(metric string, tags map[string]string) prometheus.Labels {
	labels := prometheus.Labels{}
	for _, key := range Labels {
		labels[key] = strings.TrimSpace(tags[key])
	}
	labels["metric"] = metric
	return labels
}
