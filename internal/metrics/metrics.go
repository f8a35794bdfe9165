// Package metrics exposes the engine's prometheus gauges and counters,
// registered against a dedicated registry so embedding callers can
// mount /metrics wherever they like (or not at all).
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HeapBlocksAllocated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ferrokv_heap_blocks_allocated_total",
		Help: "Total number of heap blocks allocated.",
	})

	BptreeLatchRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ferrokv_bptree_latch_retries_total",
		Help: "Total number of B+tree operations retried after a sibling latch try-lock failure.",
	})

	BptreeHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ferrokv_bptree_height",
		Help: "Current height of the B+tree index.",
	})

	TxnDeadlocksDetected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ferrokv_txnkv_deadlocks_detected_total",
		Help: "Total number of deadlocks detected by the wait-for-graph detector.",
	})

	TxnActiveTransactions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ferrokv_txnkv_active_transactions",
		Help: "Number of currently active transactions.",
	})

	TxnLockWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ferrokv_txnkv_lock_wait_seconds",
		Help:    "Time spent blocked acquiring a per-key lock.",
		Buckets: prometheus.DefBuckets,
	})
)

// Registry is a dedicated prometheus registry carrying only ferrokv's
// own metrics, so embedding this module never collides with a host
// process's default registry.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		HeapBlocksAllocated,
		BptreeLatchRetries,
		BptreeHeight,
		TxnDeadlocksDetected,
		TxnActiveTransactions,
		TxnLockWaitSeconds,
	)
}
