package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pool metrics
	PoolPods = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kiln_pool_pods",
			Help: "Pods tracked by the warm pool by language and state",
		},
		[]string{"language", "state"},
	)

	PoolTarget = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kiln_pool_target",
			Help: "Configured warm pool size by language",
		},
		[]string{"language"},
	)

	// Execution metrics
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_executions_total",
			Help: "Total executions by language and final status",
		},
		[]string{"language", "status"},
	)

	ExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_execution_duration_seconds",
			Help:    "Wall-clock execution duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"language"},
	)

	ExecutionsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_executions_in_flight",
			Help: "Executions currently running",
		},
	)

	PodSourceTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_execution_pod_source_total",
			Help: "Executions by pod provenance (pool or job)",
		},
		[]string{"source"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_api_requests_total",
			Help: "Total API requests by method, route, and status",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Event metrics, fed by the daemon's broker sink
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_events_total",
			Help: "Lifecycle events published on the broker by type",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(PoolPods)
	prometheus.MustRegister(PoolTarget)
	prometheus.MustRegister(ExecutionsTotal)
	prometheus.MustRegister(ExecutionDuration)
	prometheus.MustRegister(ExecutionsInFlight)
	prometheus.MustRegister(PodSourceTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(EventsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
