package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the service registry and its collectors.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
	DealTransitions  *prometheus.CounterVec
	OperationErrors  *prometheus.CounterVec
	AuditDropped     prometheus.Counter
	PayoutsReleased  prometheus.Counter
	EventSubscribers prometheus.Gauge
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sponsorhub_http_requests_total",
			Help: "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sponsorhub_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
		DealTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sponsorhub_deal_transitions_total",
			Help: "Committed deal stage transitions.",
		}, []string{"trigger", "stage"}),
		OperationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sponsorhub_deal_operation_errors_total",
			Help: "Failed deal operations by error kind.",
		}, []string{"operation", "kind"}),
		AuditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sponsorhub_audit_dropped_total",
			Help: "Audit records dropped because the worker pool was saturated or the sink failed.",
		}),
		PayoutsReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sponsorhub_payouts_released_total",
			Help: "Payments released by the payout sync job.",
		}),
		EventSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sponsorhub_event_subscribers",
			Help: "Open deal event streams.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequests,
		m.HTTPDuration,
		m.DealTransitions,
		m.OperationErrors,
		m.AuditDropped,
		m.PayoutsReleased,
		m.EventSubscribers,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
