package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gantry"

// Metrics owns the process-wide Prometheus registry and the collectors
// the runtime feeds. Each Server builds exactly one.
type Metrics struct {
	reg *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge
	ErrorsTotal      *prometheus.CounterVec
	PanicsTotal      prometheus.Counter

	RateLimitedTotal prometheus.Counter
	BreakerOpenTotal prometheus.Counter

	WSSessions     prometheus.Gauge
	WSMessagesIn   prometheus.Counter
	WSMessagesOut  prometheus.Counter
	FramesDropped  prometheus.Counter
	PagesRelocated prometheus.Counter

	BusPublishedTotal *prometheus.CounterVec
	BusDeliveredTotal *prometheus.CounterVec
}

// New builds a Metrics with the standard Go and process collectors
// plus the runtime's own series registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,

		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests dispatched, by transport, route, and status code.",
		}, []string{"transport", "route", "status"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end dispatch latency.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"transport", "route"}),

		RequestsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_in_flight",
			Help:      "Requests currently registered and executing.",
		}),

		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Request errors by kind.",
		}, []string{"kind"}),

		PanicsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "panics_recovered_total",
			Help:      "Panics recovered by the error translation layer.",
		}),

		RateLimitedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}),

		BreakerOpenTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_open_total",
			Help:      "Requests rejected by an open circuit breaker.",
		}),

		WSSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_sessions",
			Help:      "Open WebSocket sessions.",
		}),

		WSMessagesIn: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_in_total",
			Help:      "Protocol messages received over WebSocket.",
		}),

		WSMessagesOut: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_out_total",
			Help:      "Protocol messages written over WebSocket.",
		}),

		FramesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_frames_dropped_total",
			Help:      "Outbound frames dropped by the overflow policy.",
		}),

		PagesRelocated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_relocated_total",
			Help:      "Pages rehydrated on a different worker.",
		}),

		BusPublishedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_published_total",
			Help:      "Events published to the fan-out bus.",
		}, []string{"topic"}),

		BusDeliveredTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_delivered_total",
			Help:      "Events delivered to bus subscribers.",
		}, []string{"topic"}),
	}
}

// ObserveRequest records one completed dispatch.
func (m *Metrics) ObserveRequest(transport, route string, status int, d time.Duration) {
	m.RequestsTotal.WithLabelValues(transport, route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(transport, route).Observe(d.Seconds())
}

// GaugeFunc registers a pull-style gauge, used for pool and registry
// depths sampled at scrape time.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }
