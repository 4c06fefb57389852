package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	types "github.com/yungbote/appbuild-orchestrator/internal/domain/builds"
)

const namespace = "appbuild"

// Metrics holds the process collectors on a private registry. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
	httpInflight prometheus.Gauge

	dispatches  *prometheus.CounterVec
	polls       *prometheus.CounterVec
	transitions *prometheus.CounterVec
	retries     prometheus.Counter
	tickLatency *prometheus.HistogramVec
	webhooks    *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests handled.",
		}, []string{"method", "route", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"method", "route"}),
		httpInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "In-flight HTTP requests.",
		}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "dispatches_total",
			Help:      "Dispatch attempts to the CI provider by outcome.",
		}, []string{"outcome"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "polls_total",
			Help:      "Provider polls by observed phase (or error).",
		}, []string{"result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "transitions_total",
			Help:      "Applied job status transitions by target status.",
		}, []string{"status"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "requeues_total",
			Help:      "Jobs returned to PENDING after a failed or abandoned dispatch.",
		}),
		tickLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "tick_duration_seconds",
			Help:      "Duration of reconciliation ticks.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"loop"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Webhook deliveries by kind and whether they changed state.",
		}, []string{"kind", "applied"}),
	}
	m.registry.MustRegister(
		m.httpRequests,
		m.httpLatency,
		m.httpInflight,
		m.dispatches,
		m.polls,
		m.transitions,
		m.retries,
		m.tickLatency,
		m.webhooks,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ApiInflightInc() {
	if m != nil {
		m.httpInflight.Inc()
	}
}

func (m *Metrics) ApiInflightDec() {
	if m != nil {
		m.httpInflight.Dec()
	}
}

func (m *Metrics) ObserveAPI(method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, status).Inc()
	m.httpLatency.WithLabelValues(method, route).Observe(d.Seconds())
}

func (m *Metrics) ObserveDispatch(outcome string) {
	if m != nil {
		m.dispatches.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ObservePoll(result string) {
	if m != nil {
		m.polls.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) ObserveTransition(to types.Status) {
	if m != nil {
		m.transitions.WithLabelValues(string(to)).Inc()
	}
}

func (m *Metrics) ObserveRequeue() {
	if m != nil {
		m.retries.Inc()
	}
}

func (m *Metrics) ObserveTick(loop string, d time.Duration) {
	if m != nil {
		m.tickLatency.WithLabelValues(loop).Observe(d.Seconds())
	}
}

func (m *Metrics) ObserveWebhook(kind string, applied bool) {
	if m == nil {
		return
	}
	v := "false"
	if applied {
		v = "true"
	}
	m.webhooks.WithLabelValues(kind, v).Inc()
}
