// Package metrics is a Prometheus-backed iface.Observer: every submit,
// completion, and cancellation the transfer engine reports lands as a
// counter or histogram sample, so a process embedding this module can
// expose /metrics the same way any other Prometheus-instrumented service
// does.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusObserver implements iface.Observer against a prometheus.Registerer.
type PrometheusObserver struct {
	submits   *prometheus.CounterVec
	completes *prometheus.CounterVec
	cancels   *prometheus.CounterVec
	bytes     *prometheus.CounterVec
	latency   *prometheus.HistogramVec
}

// NewPrometheusObserver registers its collectors against reg. Pass
// prometheus.DefaultRegisterer to publish on the process's default
// /metrics handler, or a fresh *prometheus.Registry in tests.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	factory := promauto.With(reg)
	return &PrometheusObserver{
		submits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aiocore",
			Name:      "transfers_submitted_total",
			Help:      "Transfers submitted, by kind.",
		}, []string{"kind"}),
		completes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aiocore",
			Name:      "transfers_completed_total",
			Help:      "Transfers reaped, by kind and terminal status.",
		}, []string{"kind", "status"}),
		cancels: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aiocore",
			Name:      "transfers_cancelled_total",
			Help:      "Transfers explicitly cancelled, by kind.",
		}, []string{"kind"}),
		bytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aiocore",
			Name:      "transfer_bytes_total",
			Help:      "Bytes carried by completed transfers, by kind.",
		}, []string{"kind"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "aiocore",
			Name:      "transfer_latency_seconds",
			Help:      "Submit-to-reap latency, by kind.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 12),
		}, []string{"kind"}),
	}
}

// ObserveSubmit satisfies iface.Observer.
func (o *PrometheusObserver) ObserveSubmit(kind string) {
	o.submits.WithLabelValues(kind).Inc()
}

// ObserveComplete satisfies iface.Observer.
func (o *PrometheusObserver) ObserveComplete(kind string, actualLength int, latencyNs int64, status string) {
	o.completes.WithLabelValues(kind, status).Inc()
	if actualLength > 0 {
		o.bytes.WithLabelValues(kind).Add(float64(actualLength))
	}
	o.latency.WithLabelValues(kind).Observe(time.Duration(latencyNs).Seconds())
}

// ObserveCancel satisfies iface.Observer.
func (o *PrometheusObserver) ObserveCancel(kind string) {
	o.cancels.WithLabelValues(kind).Inc()
}
