package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "meshctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	reconfigurations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshctl",
			Subsystem: "fabric",
			Name:      "reconfigurations_total",
			Help:      "Reconfiguration epochs by terminal result.",
		},
		[]string{"mesh", "result"},
	)
	rebuildRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshctl",
			Subsystem: "fabric",
			Name:      "rebuild_retries_total",
			Help:      "Communicator rebuild attempts beyond the first, per node path.",
		},
		[]string{"mesh", "path"},
	)
	barrierWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "meshctl",
			Subsystem: "fabric",
			Name:      "barrier_wait_seconds",
			Help:      "Time spent gathering participants at the safepoint barrier.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"mesh"},
	)
	membershipVersion = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "meshctl",
			Subsystem: "membership",
			Name:      "committed_version",
			Help:      "Membership view version last committed by the mesh.",
		},
		[]string{"mesh"},
	)
	stalenessFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshctl",
			Subsystem: "membership",
			Name:      "staleness_failures_total",
			Help:      "Monitor reads rejected for exceeding the staleness bound.",
		},
		[]string{"mesh"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			reconfigurations, rebuildRetries, barrierWait,
			membershipVersion, stalenessFailures,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordReconfiguration(mesh, result string) {
	RegisterMetrics()
	reconfigurations.WithLabelValues(mesh, result).Inc()
}

func RecordRebuildRetry(mesh, path string) {
	RegisterMetrics()
	rebuildRetries.WithLabelValues(mesh, path).Inc()
}

func ObserveBarrierWait(mesh string, duration time.Duration) {
	RegisterMetrics()
	barrierWait.WithLabelValues(mesh).Observe(duration.Seconds())
}

func SetMembershipVersion(mesh string, version uint64) {
	RegisterMetrics()
	membershipVersion.WithLabelValues(mesh).Set(float64(version))
}

func RecordStalenessFailure(mesh string) {
	RegisterMetrics()
	stalenessFailures.WithLabelValues(mesh).Inc()
}
