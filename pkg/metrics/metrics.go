package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Record metrics
	RecordsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "qcforge_records_total",
			Help: "Total number of records by type and status",
		},
		[]string{"record_type", "status"},
	)

	TasksQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "qcforge_tasks_queued_total",
			Help: "Total number of tasks in the queue",
		},
	)

	ServicesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "qcforge_services_active_total",
			Help: "Total number of non-terminal services",
		},
	)

	MoleculesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "qcforge_molecules_total",
			Help: "Total number of stored molecules",
		},
	)

	// Manager metrics
	ManagersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "qcforge_managers_total",
			Help: "Total number of compute managers by status",
		},
		[]string{"status"},
	)

	TasksClaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qcforge_tasks_claimed_total",
			Help: "Total number of tasks claimed by managers",
		},
	)

	TasksReturned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qcforge_tasks_returned_total",
			Help: "Total number of returned tasks by outcome",
		},
		[]string{"outcome"},
	)

	ManagersSwept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qcforge_managers_swept_total",
			Help: "Total number of managers deactivated by the heartbeat sweep",
		},
	)

	// Service engine metrics
	ServiceIterations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qcforge_service_iterations_total",
			Help: "Total number of service iterations by record type",
		},
		[]string{"record_type"},
	)

	ServiceIterationLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "qcforge_service_iteration_duration_seconds",
			Help:    "Service iteration duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qcforge_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qcforge_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(RecordsTotal)
	prometheus.MustRegister(TasksQueued)
	prometheus.MustRegister(ServicesActive)
	prometheus.MustRegister(MoleculesTotal)
	prometheus.MustRegister(ManagersTotal)
	prometheus.MustRegister(TasksClaimed)
	prometheus.MustRegister(TasksReturned)
	prometheus.MustRegister(ManagersSwept)
	prometheus.MustRegister(ServiceIterations)
	prometheus.MustRegister(ServiceIterationLatency)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
