// Package metrics exposes Prometheus counters for broker operations. The
// broker takes a *Metrics and tolerates nil, so library users and tests pay
// nothing unless they opt in.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the coordination broker.
type Metrics struct {
	PublishTotal    *prometheus.CounterVec
	AckTotal        *prometheus.CounterVec
	QueryTotal      prometheus.Counter
	NotifyDrained   prometheus.Counter
	BackendFailures *prometheus.CounterVec
}

// NewMetrics creates and registers broker metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers on an explicit registerer (tests pass a fresh
// prometheus.NewRegistry so repeated construction never collides).
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PublishTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coord_publish_total",
				Help: "Messages published, by type and target",
			},
			[]string{"type", "to"},
		),
		AckTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coord_ack_total",
				Help: "Acknowledgment attempts, by outcome",
			},
			[]string{"result"}, // result: acked, not_found
		),
		QueryTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "coord_query_total",
				Help: "Message queries served",
			},
		),
		NotifyDrained: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "coord_notifications_drained_total",
				Help: "Offline notifications popped by consumers",
			},
		),
		BackendFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coord_backend_failures_total",
				Help: "Datastore operation failures, by broker operation",
			},
			[]string{"op"},
		),
	}
}
