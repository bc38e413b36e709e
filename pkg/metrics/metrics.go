package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Engine metrics
	EventsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_events_applied_total",
			Help: "Total number of events applied to materialized state by type",
		},
		[]string{"type"},
	)

	EventApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "foreman_event_apply_duration_seconds",
			Help:    "Time to apply one event and run its handler",
			Buckets: prometheus.DefBuckets,
		},
	)

	PendingEvents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "foreman_pending_events",
			Help: "Depth of the pending event queue",
		},
	)

	EffectsExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_effects_executed_total",
			Help: "Total number of effects executed by name",
		},
		[]string{"name"},
	)

	EffectDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foreman_effect_duration_seconds",
			Help:    "Effect execution duration by name (dispatch only for deferred effects)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"name"},
	)

	// WAL metrics
	WALAppends = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_wal_appends_total",
			Help: "Total number of records appended to the WAL",
		},
	)

	WALFlushes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_wal_flushes_total",
			Help: "Total number of WAL group commits",
		},
	)

	WALFlushedRecords = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_wal_flushed_records_total",
			Help: "Total number of records made durable",
		},
	)

	WALFlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "foreman_wal_flush_duration_seconds",
			Help:    "WAL group commit duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Snapshot metrics
	SnapshotsWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_snapshots_written_total",
			Help: "Total number of snapshots checkpointed",
		},
	)

	SnapshotDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "foreman_snapshot_duration_seconds",
			Help:    "Snapshot serialize+compress+write duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Entity gauges
	JobsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "foreman_jobs_active",
			Help: "Number of non-terminal jobs",
		},
	)

	AgentsLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "foreman_agents_live",
			Help: "Number of live monitored agents",
		},
	)

	// IPC metrics
	IPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_ipc_requests_total",
			Help: "Total number of IPC requests by type and status",
		},
		[]string{"type", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		EventsApplied,
		EventApplyDuration,
		PendingEvents,
		EffectsExecuted,
		EffectDuration,
		WALAppends,
		WALFlushes,
		WALFlushedRecords,
		WALFlushDuration,
		SnapshotsWritten,
		SnapshotDuration,
		JobsActive,
		AgentsLive,
		IPCRequestsTotal,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr. Blocks; run in its own goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux)
}
