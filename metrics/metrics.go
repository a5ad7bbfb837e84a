package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rmbg"

// Metrics holds the collectors exposed by serve mode. Each instance owns its
// registry, so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	conversions *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	requests    *prometheus.CounterVec
	backendUp   prometheus.Gauge
	inputBytes  prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		conversions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversions_total",
			Help:      "Background removals by result (ok or failure kind).",
		}, []string{"result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "conversion_duration_seconds",
			Help:      "Time spent converting one image.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"result"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by path and status class.",
		}, []string{"method", "path", "status"}),
		backendUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_up",
			Help:      "1 when the last probe of the segmentation backend succeeded.",
		}),
		inputBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "input_bytes",
			Help:      "Size of the encoded input images.",
			Buckets:   prometheus.ExponentialBuckets(16<<10, 4, 8),
		}),
	}
	m.registry.MustRegister(m.conversions, m.latency, m.requests, m.backendUp, m.inputBytes)
	return m
}

// ObserveConversion records one conversion. result is "ok" or a failure kind.
func (m *Metrics) ObserveConversion(result string, inputBytes int, d time.Duration) {
	m.conversions.WithLabelValues(result).Inc()
	m.latency.WithLabelValues(result).Observe(d.Seconds())
	m.inputBytes.Observe(float64(inputBytes))
}

func (m *Metrics) ObserveRequest(method, path string, status int) {
	m.requests.WithLabelValues(method, path, statusClass(status)).Inc()
}

func (m *Metrics) SetBackendUp(up bool) {
	if up {
		m.backendUp.Set(1)
		return
	}
	m.backendUp.Set(0)
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func statusClass(code int) string {
	switch {
	case code >= 100 && code < 200:
		return "1xx"
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "0"
	}
}
