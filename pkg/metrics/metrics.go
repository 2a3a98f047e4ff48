package metrics

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

// Recorder holds the emergency stop metrics on its own registry
type Recorder struct {
	registry *prometheus.Registry

	invocations     *prometheus.CounterVec
	resourceActions *prometheus.CounterVec
	servicesScaled  prometheus.Counter
	duration        prometheus.Histogram
}

// NewRecorder creates a recorder with all metrics registered
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autostop_invocations_total",
				Help: "Emergency stop invocations by outcome status",
			},
			[]string{"status"},
		),
		resourceActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autostop_resource_actions_total",
				Help: "Actions taken per resource class by result",
			},
			[]string{"resource", "result"},
		),
		servicesScaled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "autostop_services_scaled_total",
				Help: "ECS services scaled to zero",
			},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "autostop_invocation_duration_seconds",
				Help:    "Wall time of an emergency stop invocation",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
			},
		),
	}

	r.registry.MustRegister(r.invocations, r.resourceActions, r.servicesScaled, r.duration)
	return r
}

// RecordInvocation counts one finished invocation
func (r *Recorder) RecordInvocation(status string, elapsed time.Duration) {
	r.invocations.WithLabelValues(status).Inc()
	r.duration.Observe(elapsed.Seconds())
}

// RecordResource counts the result of acting on one resource class
func (r *Recorder) RecordResource(resource, result string) {
	r.resourceActions.WithLabelValues(resource, result).Inc()
}

// RecordServiceScaled counts one ECS service scaled to zero
func (r *Recorder) RecordServiceScaled() {
	r.servicesScaled.Inc()
}

// Registry exposes the underlying registry
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the metrics in Prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// WriteText dumps all metrics to w in text exposition format
func (r *Recorder) WriteText(w io.Writer) error {
	families, err := r.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("failed to encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
