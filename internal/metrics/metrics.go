package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "jobrunner"

var (
	JobsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Jobs accepted for launch, by kind",
		},
		[]string{"kind"},
	)
	JobsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_rejected_total",
			Help:      "Submissions refused before or at launch, by reason",
		},
		[]string{"reason"},
	)
	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs whose output was collected, by outcome",
		},
		[]string{"outcome"},
	)
	ContainersRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "containers_running",
			Help:      "Containers currently supervised",
		},
	)
	LogLinesForwarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_lines_forwarded_total",
			Help:      "Container log lines forwarded to the job log",
		},
		[]string{"stream"},
	)
	RPCRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callback_requests_total",
			Help:      "Callback server requests, by request kind and status",
		},
		[]string{"kind", "status"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
