package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "playback"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method", "path"})

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Number of sessions currently held by the registry.",
	})

	SessionOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_outcomes_total",
		Help:      "Terminal session outcomes by result (ready or an error kind).",
	}, []string{"outcome"})

	SessionRemovalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_removals_total",
		Help:      "Sessions destroyed by reason.",
	}, []string{"reason"})

	DownloadSpeedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "download_speed_bytes",
		Help:      "Current aggregate download speed in bytes per second.",
	})

	PeersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "peers_connected",
		Help:      "Total number of peers connected across all sessions.",
	})

	ProbeResultsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "probe_results_total",
		Help:      "Direct URL probe results by outcome.",
	}, []string{"result"})

	OrchestrationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orchestrations_total",
		Help:      "Play orchestrations by result.",
	}, []string{"result"})

	OrchestrationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "orchestration_duration_seconds",
		Help:      "Wall-clock duration of uncached play orchestrations.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 15, 20, 30, 45, 60},
	})

	ResultCacheTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "result_cache_total",
		Help:      "Result cache lookups by outcome (hit, miss, stale).",
	}, []string{"result"})

	TranscodeActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "transcode_active",
		Help:      "Number of running transcode subprocesses.",
	})

	TranscodeStartsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transcode_starts_total",
		Help:      "Total number of transcode subprocesses started.",
	})

	TranscodeFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transcode_failures_total",
		Help:      "Transcode failures by reason.",
	}, []string{"reason"})

	TranscodeReadyDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "transcode_ready_duration_seconds",
		Help:      "Time from subprocess start until the playlist reached the ready floor.",
		Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120},
	})

	CleanupFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cleanup_failures_total",
		Help:      "Best-effort cleanup failures by step.",
	}, []string{"step"})

	CircuitOpensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reliability_circuit_opens_total",
		Help:      "Source circuits opened by provider.",
	}, []string{"provider"})

	WSConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ws_connections",
		Help:      "Connected websocket clients.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveSessions,
		SessionOutcomesTotal,
		SessionRemovalsTotal,
		DownloadSpeedBytes,
		PeersConnected,
		ProbeResultsTotal,
		OrchestrationsTotal,
		OrchestrationDuration,
		ResultCacheTotal,
		TranscodeActive,
		TranscodeStartsTotal,
		TranscodeFailuresTotal,
		TranscodeReadyDuration,
		CleanupFailuresTotal,
		CircuitOpensTotal,
		WSConnections,
	)
}
