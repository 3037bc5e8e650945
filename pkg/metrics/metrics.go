// Package metrics provides Prometheus metrics collection and exposition for
// the transactional runtime: commit/abort counters, helper activity, epoch
// progress, and reclamation/persistence throughput.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Transaction metrics
	TransactionsCommitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "epochtx_transactions_committed_total",
			Help: "Total number of transactions that reached the committed state",
		},
	)

	TransactionsAborted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "epochtx_transactions_aborted_total",
			Help: "Total number of transactions aborted, by reason",
		},
		[]string{"reason"}, // before_commit, during_commit, old_sees_new, epoch_stale
	)

	HelpedCompletions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "epochtx_helped_completions_total",
			Help: "Total number of descriptors finished by a helper thread rather than their owner",
		},
	)

	DescriptorInstallRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "epochtx_descriptor_install_retries_total",
			Help: "Total number of nbtc_CAS install attempts that lost a race and were retried",
		},
	)

	TransactionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "epochtx_transaction_duration_seconds",
			Help:    "Wall-clock duration from tx_begin to tx_end/tx_abort",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Epoch metrics
	GlobalEpoch = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "epochtx_global_epoch",
			Help: "Current value of the global epoch counter",
		},
	)

	ActiveThreads = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "epochtx_active_threads",
			Help: "Number of threads currently registered as active in some epoch",
		},
	)

	EpochAdvancesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "epochtx_epoch_advances_total",
			Help: "Total number of times the global epoch was advanced",
		},
	)

	EpochDrainDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "epochtx_epoch_drain_duration_seconds",
			Help:    "Time taken by one epoch advance, including force-aborting stragglers",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Reclamation metrics
	NodesRetired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "epochtx_nodes_retired_total",
			Help: "Total number of payload/node objects handed to the reclamation tracker",
		},
	)

	NodesFreed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "epochtx_nodes_freed_total",
			Help: "Total number of retired objects actually released back to the allocator",
		},
	)

	// Persistence metrics
	BlocksPersisted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "epochtx_blocks_persisted_total",
			Help: "Total number of payload blocks flushed to the durable heap, by kind",
		},
		[]string{"kind"},
	)

	PersistFlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "epochtx_persist_flush_duration_seconds",
			Help:    "Time taken to flush a to-be-persisted bucket",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		TransactionsCommitted,
		TransactionsAborted,
		HelpedCompletions,
		DescriptorInstallRetries,
		TransactionDuration,
		GlobalEpoch,
		ActiveThreads,
		EpochAdvancesTotal,
		EpochDrainDuration,
		NodesRetired,
		NodesFreed,
		BlocksPersisted,
		PersistFlushDuration,
	)
}

// Handler returns the Prometheus HTTP handler for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
