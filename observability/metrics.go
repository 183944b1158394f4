// Package observability exposes the prometheus instrumentation shared by the
// ingestion, replication, and rollback paths.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type indexerMetrics struct {
	operations    *prometheus.CounterVec
	commitLatency prometheus.Histogram
	commitRetries prometheus.Counter
	blockHeight   prometheus.Gauge
}

type replicationMetrics struct {
	shipped    *prometheus.CounterVec
	failures   *prometheus.CounterVec
	degraded   prometheus.Gauge
	quorumWait prometheus.Histogram
}

type rollbackMetrics struct {
	reverted prometheus.Counter
	depth    prometheus.Histogram
	pruned   prometheus.Counter
}

var (
	indexerOnce sync.Once
	indexerReg  *indexerMetrics

	replicationOnce sync.Once
	replicationReg  *replicationMetrics

	rollbackOnce sync.Once
	rollbackReg  *rollbackMetrics
)

// IndexerMetrics returns the lazily-initialised ingestion metrics registry.
func IndexerMetrics() *indexerMetrics {
	indexerOnce.Do(func() {
		indexerReg = &indexerMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "krcindex",
				Subsystem: "indexer",
				Name:      "operations_total",
				Help:      "Ingested KRC-20 operations segmented by kind and outcome.",
			}, []string{"kind", "outcome"}),
			commitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "krcindex",
				Subsystem: "indexer",
				Name:      "commit_duration_seconds",
				Help:      "Latency distribution of per-shard batch commits.",
				Buckets:   prometheus.DefBuckets,
			}),
			commitRetries: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "krcindex",
				Subsystem: "indexer",
				Name:      "commit_retries_total",
				Help:      "Storage commit attempts that had to be retried.",
			}),
			blockHeight: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "krcindex",
				Subsystem: "indexer",
				Name:      "sequence",
				Help:      "Highest ingested sequence number (DAA score).",
			}),
		}
		prometheus.MustRegister(
			indexerReg.operations,
			indexerReg.commitLatency,
			indexerReg.commitRetries,
			indexerReg.blockHeight,
		)
	})
	return indexerReg
}

func (m *indexerMetrics) ObserveOperation(kind, outcome string) {
	m.operations.WithLabelValues(kind, outcome).Inc()
}

func (m *indexerMetrics) ObserveCommit(seconds float64) {
	m.commitLatency.Observe(seconds)
}

func (m *indexerMetrics) ObserveRetry() {
	m.commitRetries.Inc()
}

func (m *indexerMetrics) SetSequence(seq uint64) {
	m.blockHeight.Set(float64(seq))
}

// ReplicationMetrics returns the lazily-initialised replication metrics
// registry.
func ReplicationMetrics() *replicationMetrics {
	replicationOnce.Do(func() {
		replicationReg = &replicationMetrics{
			shipped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "krcindex",
				Subsystem: "replication",
				Name:      "batches_total",
				Help:      "Batches shipped to replicas segmented by node and result.",
			}, []string{"node", "result"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "krcindex",
				Subsystem: "replication",
				Name:      "failures_total",
				Help:      "Replica apply failures segmented by node.",
			}, []string{"node"}),
			degraded: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "krcindex",
				Subsystem: "replication",
				Name:      "degraded_replicas",
				Help:      "Number of replicas currently in degraded or catch-up state.",
			}),
			quorumWait: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "krcindex",
				Subsystem: "replication",
				Name:      "quorum_wait_seconds",
				Help:      "Time spent waiting for replica quorum under the sync policy.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(
			replicationReg.shipped,
			replicationReg.failures,
			replicationReg.degraded,
			replicationReg.quorumWait,
		)
	})
	return replicationReg
}

func (m *replicationMetrics) ObserveShip(node, result string) {
	m.shipped.WithLabelValues(node, result).Inc()
}

func (m *replicationMetrics) ObserveFailure(node string) {
	m.failures.WithLabelValues(node).Inc()
}

func (m *replicationMetrics) SetDegraded(n int) {
	m.degraded.Set(float64(n))
}

func (m *replicationMetrics) ObserveQuorumWait(seconds float64) {
	m.quorumWait.Observe(seconds)
}

// RollbackMetrics returns the lazily-initialised rollback metrics registry.
func RollbackMetrics() *rollbackMetrics {
	rollbackOnce.Do(func() {
		rollbackReg = &rollbackMetrics{
			reverted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "krcindex",
				Subsystem: "rollback",
				Name:      "operations_total",
				Help:      "Operations reverted by the rollback coordinator.",
			}),
			depth: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "krcindex",
				Subsystem: "rollback",
				Name:      "depth",
				Help:      "Sequence depth of each rollback request.",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
			}),
			pruned: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "krcindex",
				Subsystem: "rollback",
				Name:      "undo_pruned_total",
				Help:      "Undo records pruned below the retention horizon.",
			}),
		}
		prometheus.MustRegister(rollbackReg.reverted, rollbackReg.depth, rollbackReg.pruned)
	})
	return rollbackReg
}

func (m *rollbackMetrics) ObserveRevert(n int) {
	m.reverted.Add(float64(n))
}

func (m *rollbackMetrics) ObserveDepth(depth uint64) {
	m.depth.Observe(float64(depth))
}

func (m *rollbackMetrics) ObservePrune(n int) {
	m.pruned.Add(float64(n))
}
