package bulkload

import "github.com/prometheus/client_golang/prometheus"

const (
	MetricAppsStarted          = "apps_started_total"
	MetricAppsFinished         = "apps_finished_total"
	MetricAppsInProgress       = "apps_in_progress"
	MetricPartitionTransitions = "partition_transitions_total"
	MetricReplicaRPCFailures   = "replica_rpc_failures_total"
	MetricRollbacks            = "rollbacks_total"
	MetricStoreWriteRetries    = "store_write_retries_total"
)

var CounterAppsStarted = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "bulkload",
		Name:      MetricAppsStarted,
		Help:      "Bulk loads accepted by the meta server.",
	},
)

var CounterAppsFinished = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "bulkload",
		Name:      MetricAppsFinished,
		Help:      "Bulk loads that reached a terminal status, by status.",
	},
	[]string{
		"status",
	},
)

var GaugeAppsInProgress = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "bulkload",
		Name:      MetricAppsInProgress,
		Help:      "Apps with a live bulk load record.",
	},
)

var CounterPartitionTransitions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "bulkload",
		Name:      MetricPartitionTransitions,
		Help:      "Persisted partition status changes, by new status.",
	},
	[]string{
		"status",
	},
)

var CounterReplicaRPCFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "bulkload",
		Name:      MetricReplicaRPCFailures,
		Help:      "Failed requests to partition primaries, by rpc.",
	},
	[]string{
		"rpc",
	},
)

var CounterRollbacks = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "bulkload",
		Name:      MetricRollbacks,
		Help:      "Partitions rolled back to downloading after a transient download error.",
	},
)

var CounterStoreWriteRetries = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "bulkload",
		Name:      MetricStoreWriteRetries,
		Help:      "Coordination store writes re-issued after a failure.",
	},
)

func init() {
	prometheus.MustRegister(CounterAppsStarted)
	prometheus.MustRegister(CounterAppsFinished)
	prometheus.MustRegister(GaugeAppsInProgress)
	prometheus.MustRegister(CounterPartitionTransitions)
	prometheus.MustRegister(CounterReplicaRPCFailures)
	prometheus.MustRegister(CounterRollbacks)
	prometheus.MustRegister(CounterStoreWriteRetries)
}
