package broker

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

const metricsNamespace = "realtime_broker"

// Metrics are the broker's prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	requests    *prometheus.CounterVec
	upstream    *prometheus.HistogramVec
	rateLimited prometheus.Counter
}

// NewMetrics registers the collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		gatherer: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "session_requests_total",
			Help:      "Broker /session requests by action, provider and response status.",
		}, []string{"action", "provider", "status"}),
		upstream: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Latency of requests to the realtime endpoint.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "status"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-client rate limiter.",
		}),
	}
	reg.MustRegister(
		m.requests,
		m.upstream,
		m.rateLimited,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Handler exposes the registry in the prometheus text format.
func (m *Metrics) Handler() fasthttp.RequestHandler {
	return fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
}

func (m *Metrics) observeRequest(action, provider string, status int) {
	if m == nil {
		return
	}
	if action == "" {
		action = "none"
	}
	if provider == "" {
		provider = "none"
	}
	m.requests.WithLabelValues(action, provider, strconv.Itoa(status)).Inc()
}

func (m *Metrics) observeUpstream(op string, status int, err error, took time.Duration) {
	if m == nil {
		return
	}
	label := strconv.Itoa(status)
	if err != nil {
		label = "error"
	}
	m.upstream.WithLabelValues(op, label).Observe(took.Seconds())
}

func (m *Metrics) observeRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}
