package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the worker's Prometheus collectors. Each Metrics has its own registry.
type Metrics struct {
	Registry *prometheus.Registry

	requests    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	inflight    prometheus.Gauge
	connections prometheus.Gauge
	badFrames   prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "offload_worker_requests_total",
			Help: "Requests handled, by worker and status",
		}, []string{"worker", "status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "offload_worker_request_duration_seconds",
			Help:    "Handler duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		}, []string{"worker"}),
		inflight: f.NewGauge(prometheus.GaugeOpts{
			Name: "offload_worker_requests_in_flight",
			Help: "Requests currently being handled",
		}),
		connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "offload_worker_connections",
			Help: "Open client connections",
		}),
		badFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "offload_worker_bad_messages_total",
			Help: "Messages that were neither a request nor a control message",
		}),
	}
}

func statusLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
