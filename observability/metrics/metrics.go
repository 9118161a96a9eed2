// Package metrics exposes request-level Prometheus metrics for the
// coordinator's HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP bundles the request counter and latency histogram on a private
// registry so tests can construct isolated instances.
type HTTP struct {
	requests  *prometheus.CounterVec
	durations *prometheus.HistogramVec
	registry  *prometheus.Registry
}

// NewHTTP builds the metric set.
func NewHTTP(namespace string) *HTTP {
	if namespace == "" {
		namespace = "coordinator"
	}
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Total HTTP requests processed by the coordinator.",
	}, []string{"path", "method", "status"})
	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"path", "method"})
	registry.MustRegister(requests, durations)
	return &HTTP{requests: requests, durations: durations, registry: registry}
}

// Observe records one completed request.
func (h *HTTP) Observe(path, method string, status int, elapsed time.Duration) {
	h.requests.WithLabelValues(path, method, strconv.Itoa(status)).Inc()
	h.durations.WithLabelValues(path, method).Observe(elapsed.Seconds())
}

// Handler serves the scrape endpoint for this metric set.
func (h *HTTP) Handler() http.Handler {
	return promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{})
}
