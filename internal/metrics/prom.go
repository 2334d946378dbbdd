package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "lsp_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "server"},
		},
		[]string{"date", "sha", "version"},
	)

	activeConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lsp_active_connections",
			Help: "Currently bridged connections per backend",
		},
		[]string{"backend"},
	)

	connectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lsp_connections_total",
			Help: "Accepted connections per backend",
		},
		[]string{"backend"},
	)

	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lsp_messages_total",
			Help: "Messages forwarded per backend and direction",
		},
		[]string{"backend", "direction"},
	)

	closesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lsp_connection_closes_total",
			Help: "Connection closures per backend and reason",
		},
		[]string{"backend", "reason"},
	)

	spawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lsp_spawn_failures_total",
			Help: "Backend processes that failed to launch",
		},
		[]string{"backend"},
	)

	connectionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lsp_connection_duration_seconds",
			Help:    "Connection lifetime",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		},
		[]string{"backend"},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, activeConnections, connectionsTotal, messagesTotal, closesTotal, spawnFailures, connectionDuration)
}

// SetServerBuildInfo sets the build info metric for the server.
func SetServerBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// ConnectionOpened records an accepted connection for a backend.
func ConnectionOpened(backend string) {
	connectionsTotal.WithLabelValues(backend).Inc()
	activeConnections.WithLabelValues(backend).Inc()
}

// ConnectionClosed records a finished connection and its close reason.
// An empty reason is reported as "closed".
func ConnectionClosed(backend, reason string, d time.Duration) {
	if reason == "" {
		reason = "closed"
	}
	activeConnections.WithLabelValues(backend).Dec()
	closesTotal.WithLabelValues(backend, reason).Inc()
	connectionDuration.WithLabelValues(backend).Observe(d.Seconds())
}

// RecordClientMessage counts one message forwarded from the client to the backend.
func RecordClientMessage(backend string) {
	messagesTotal.WithLabelValues(backend, "to_backend").Inc()
}

// RecordProcessMessage counts one frame forwarded from the backend to the client.
func RecordProcessMessage(backend string) {
	messagesTotal.WithLabelValues(backend, "to_client").Inc()
}

// RecordSpawnFailure counts a backend that could not be launched.
func RecordSpawnFailure(backend string) {
	spawnFailures.WithLabelValues(backend).Inc()
}
