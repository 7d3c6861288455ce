package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var histogramBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

// Rate limit outcomes.
const (
	OutcomeAllowed  = "allowed"
	OutcomeDenied   = "denied"
	OutcomeError    = "error"
	OutcomeFailOpen = "fail_open"
)

// Registry owns the gateway's Prometheus collectors. Each instance has its own
// prometheus.Registry so tests can build several without colliding.
type Registry struct {
	reg *prometheus.Registry

	requestTotal   *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	rateLimit      *prometheus.CounterVec
	upstreamErrors *prometheus.CounterVec
	inFlight       prometheus.Gauge
}

// NewRegistry registers the gateway collectors plus Go runtime and process collectors.
func NewRegistry(namespace string) *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}
	r.requestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "http_requests_total",
		Help:      "Count of processed HTTP requests",
	}, []string{"method", "route", "status"})
	r.requestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "http_request_duration_seconds",
		Help:      "Latency distribution of HTTP handlers",
		Buckets:   histogramBuckets,
	}, []string{"method", "route", "status"})
	r.rateLimit = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "rate_limit_decisions_total",
		Help:      "Rate limiter decisions by outcome",
	}, []string{"outcome"})
	r.upstreamErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "upstream_errors_total",
		Help:      "Failures reaching a dependency",
	}, []string{"dependency"})
	r.inFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "http_requests_in_flight",
		Help:      "Requests currently being served",
	})

	r.reg.MustRegister(
		r.requestTotal, r.requestLatency, r.rateLimit, r.upstreamErrors, r.inFlight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

func (r *Registry) ObserveRequest(method, route string, status int, d time.Duration) {
	if r == nil {
		return
	}
	labels := prometheus.Labels{"method": method, "route": route, "status": strconv.Itoa(status)}
	r.requestTotal.With(labels).Inc()
	r.requestLatency.With(labels).Observe(d.Seconds())
}

func (r *Registry) RateLimit(outcome string) {
	if r == nil {
		return
	}
	r.rateLimit.WithLabelValues(outcome).Inc()
}

func (r *Registry) UpstreamError(dependency string) {
	if r == nil {
		return
	}
	r.upstreamErrors.WithLabelValues(dependency).Inc()
}

// TrackInFlight increments the in-flight gauge and returns the matching decrement.
func (r *Registry) TrackInFlight() func() {
	if r == nil {
		return func() {}
	}
	r.inFlight.Inc()
	return r.inFlight.Dec
}
