// Package metrics exposes the cluster's internal counters as Prometheus
// collectors, the way cuemby-warren's pkg/metrics exposes its raft/API
// counters: package-level collectors registered once, updated by whichever
// subsystem owns the underlying number.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// LiveNodes is the current size of the cluster's live node list.
	LiveNodes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nodekv_live_nodes",
		Help: "Number of nodes currently in the cluster's live node list.",
	})

	// DunnedTotal counts nodes that crossed the dun threshold and were
	// removed, labeled by the reason that tipped them over.
	DunnedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nodekv_dunned_total",
		Help: "Total number of nodes dunned, by last contributing reason.",
	}, []string{"reason"})

	// PartitionCells is the number of populated (namespace, partition,
	// direction) cells in the partition table.
	PartitionCells = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nodekv_partition_cells",
		Help: "Number of owned partition table cells, by direction.",
	}, []string{"direction"})

	// TendDuration observes how long one tender tick takes.
	TendDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "nodekv_tend_duration_seconds",
		Help:    "Duration of one cluster tender tick.",
		Buckets: prometheus.DefBuckets,
	})

	// ScanDuration observes end-to-end scan latency, labeled by final status.
	ScanDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nodekv_scan_duration_seconds",
		Help:    "Duration of a cluster-wide scan, by final status.",
		Buckets: prometheus.DefBuckets,
	}, []string{"status"})

	// RequestsInProgress mirrors Cluster's in-progress-request counter.
	RequestsInProgress = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nodekv_requests_in_progress",
		Help: "Number of operations currently routed but not yet complete.",
	})

	// InfoInProgress mirrors Cluster's in-progress-info counter.
	InfoInProgress = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nodekv_info_requests_in_progress",
		Help: "Number of info requests currently in flight.",
	})
)

// MustRegister registers every nodekv collector against reg. Call it once
// per process; registering against the same registry twice panics, matching
// prometheus's own contract.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		LiveNodes,
		DunnedTotal,
		PartitionCells,
		TendDuration,
		ScanDuration,
		RequestsInProgress,
		InfoInProgress,
	)
}
