package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	HTTPRequestsTotal       *prometheus.CounterVec
	HTTPRequestDuration     *prometheus.HistogramVec
	EventsPublishedTotal    *prometheus.CounterVec
	EventsConsumedTotal     *prometheus.CounterVec
	EventsDeadLetteredTotal *prometheus.CounterVec
	SagaStepsTotal          *prometheus.CounterVec
	SagaCompensationsTotal  *prometheus.CounterVec
	OrdersAssignedTotal     *prometheus.CounterVec
	ActiveWebsockets        prometheus.Gauge
}

func NewMetrics() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		EventsPublishedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bus_events_published_total",
				Help: "Total number of events published to the bus",
			},
			[]string{"routing_key"},
		),
		EventsConsumedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bus_events_consumed_total",
				Help: "Total number of events consumed from the bus",
			},
			[]string{"queue", "outcome"},
		),
		EventsDeadLetteredTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bus_events_dead_lettered_total",
				Help: "Total number of events routed to the DLQ after retry exhaustion",
			},
			[]string{"queue"},
		),
		SagaStepsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saga_steps_total",
				Help: "Total number of saga step executions",
			},
			[]string{"step", "outcome"},
		),
		SagaCompensationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saga_compensations_total",
				Help: "Total number of saga compensating actions",
			},
			[]string{"system", "outcome"},
		),
		OrdersAssignedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orders_assigned_total",
				Help: "Total number of auto-assigned orders",
			},
			[]string{"phase", "driver"},
		),
		ActiveWebsockets: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_websockets",
				Help: "Number of connected tracking websocket sessions",
			},
		),
	}
}
