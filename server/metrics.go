package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the login counters and upstream latency histogram on a private registry.
type Metrics struct {
	registry        *prometheus.Registry
	requests        *prometheus.CounterVec
	callbacks       *prometheus.CounterVec
	upstream        *prometheus.HistogramVec
	httpRequests    *prometheus.CounterVec
	httpRequestTime *prometheus.HistogramVec
}

// NewMetrics registers every collector on a fresh registry so tests and multiple apps never
// collide on the default one.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qqconnect",
			Name:      "login_requests_total",
			Help:      "Login redirects issued, by result.",
		}, []string{"result"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qqconnect",
			Name:      "login_callbacks_total",
			Help:      "Login callbacks handled, by result and failure kind.",
		}, []string{"result", "kind"}),
		upstream: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "qqconnect",
			Name:      "upstream_request_duration_seconds",
			Help:      "Latency of calls to graph.qq.com.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"endpoint", "status"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qqconnect",
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by route and status.",
		}, []string{"method", "route", "status"}),
		httpRequestTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "qqconnect",
			Name:      "http_request_duration_seconds",
			Help:      "Latency of HTTP requests served.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	m.registry.MustRegister(
		m.requests,
		m.callbacks,
		m.upstream,
		m.httpRequests,
		m.httpRequestTime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// LoginRequest counts a request phase.
func (m *Metrics) LoginRequest(result string) {
	m.requests.WithLabelValues(result).Inc()
}

// LoginCallback counts a callback; kind is empty on success.
func (m *Metrics) LoginCallback(result, kind string) {
	m.callbacks.WithLabelValues(result, kind).Inc()
}

// Instrument wraps next so each graph.qq.com call is timed by endpoint path.
func (m *Metrics) Instrument(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		start := time.Now()
		resp, err := next.RoundTrip(req)
		status := "error"
		if err == nil {
			status = strconv.Itoa(resp.StatusCode)
		}
		m.upstream.WithLabelValues(req.URL.Path, status).Observe(time.Since(start).Seconds())
		return resp, err
	})
}

// Middleware records request counts and latency by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := routePattern(r)
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		m.httpRequestTime.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }
