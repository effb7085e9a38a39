// Package metrics adapts the replication core's Core -> metrics
// collaborator contract onto Prometheus, following the promauto
// CounterVec/HistogramVec/GaugeVec construction style of
// internal/escrow/metrics.go in the teacher repository.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the replication core reports
// to.
type Metrics struct {
	OpsCommitted      *prometheus.CounterVec
	OpsRejected       *prometheus.CounterVec
	PrepareLatency    *prometheus.HistogramVec
	ViewChangesTotal  *prometheus.CounterVec
	CurrentView       *prometheus.GaugeVec
	CommitNumber      *prometheus.GaugeVec
	WALSizeBytes      *prometheus.GaugeVec
	ConnectionsActive *prometheus.GaugeVec
	RoomMessageCount  *prometheus.GaugeVec
}

// New creates and registers every collector against reg. Passing nil uses
// prometheus.DefaultRegisterer, matching the teacher's direct promauto
// calls; tests should pass a fresh prometheus.NewRegistry() so repeated
// calls within a test binary don't collide on the global default
// registerer. Registering the same metric name twice against one registry
// panics, matching promauto's own fail-fast registration semantics.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		OpsCommitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vsr_ops_committed_total",
				Help: "Total number of operations committed by this replica.",
			},
			[]string{"replica_id"},
		),
		OpsRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vsr_ops_rejected_total",
				Help: "Total number of operations rejected, labeled by reason.",
			},
			[]string{"replica_id", "reason"},
		),
		PrepareLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vsr_prepare_latency_seconds",
				Help:    "Time from assigning an op to reaching commit quorum.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"replica_id"},
		),
		ViewChangesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vsr_view_changes_total",
				Help: "Total number of view changes this replica has participated in.",
			},
			[]string{"replica_id"},
		),
		CurrentView: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vsr_current_view",
				Help: "The replica's current view number.",
			},
			[]string{"replica_id"},
		),
		CommitNumber: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vsr_commit_number",
				Help: "The replica's current commit number.",
			},
			[]string{"replica_id"},
		),
		WALSizeBytes: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vsr_wal_size_bytes",
				Help: "Current size of the write-ahead log in bytes.",
			},
			[]string{"replica_id"},
		),
		ConnectionsActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vsr_connections_active",
				Help: "Number of connections currently tracked by the dispatch pool.",
			},
			[]string{"replica_id"},
		),
		RoomMessageCount: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vsr_room_message_count",
				Help: "Number of messages committed to a room.",
			},
			[]string{"replica_id", "room_id"},
		),
	}
}
