package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StepsTotal tracks apply and revert steps per deployment
	StepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockindexer_steps_total",
			Help: "Total number of apply/revert steps committed",
		},
		[]string{"deployment", "kind"},
	)

	// TriggersProcessed tracks triggers handed to the mapping executor
	TriggersProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockindexer_triggers_processed_total",
			Help: "Total number of triggers applied or reverted",
		},
		[]string{"deployment", "kind"},
	)

	// ReorgsTotal tracks detected reorganizations per deployment
	ReorgsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockindexer_reorgs_total",
			Help: "Total number of reorganizations handled",
		},
		[]string{"deployment"},
	)

	// ReorgDepth tracks how many blocks each reorg reverted
	ReorgDepth = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "blockindexer_reorg_depth_blocks",
			Help:    "Number of blocks reverted per reorganization",
			Buckets: []float64{1, 2, 3, 5, 10, 25, 50, 100},
		},
	)

	// DeploymentBlock tracks the pointer of each deployment
	DeploymentBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "blockindexer_deployment_block",
			Help: "Block number of the deployment's current pointer",
		},
		[]string{"deployment"},
	)

	// DeploymentFailures tracks fatal driver failures by error kind
	DeploymentFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockindexer_deployment_failures_total",
			Help: "Total number of deployments halted by a fatal error",
		},
		[]string{"deployment", "kind"},
	)

	// StepRetries tracks transient errors absorbed by retry
	StepRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockindexer_step_retries_total",
			Help: "Total number of retried store operations",
		},
		[]string{"deployment", "kind"},
	)

	// ChainHead tracks the head of the chain buffer
	ChainHead = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blockindexer_chain_head_block",
			Help: "Block number of the chain buffer head",
		},
	)

	// BufferSize tracks the number of retained buffer entries
	BufferSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blockindexer_buffer_entries",
			Help: "Number of blocks retained in the chain buffer",
		},
	)

	// BufferEvictions tracks pruned buffer entries
	BufferEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "blockindexer_buffer_evictions_total",
			Help: "Total number of blocks evicted from the chain buffer",
		},
	)

	// FetchErrors tracks fetcher failures
	FetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockindexer_fetch_errors_total",
			Help: "Total number of failed block fetches",
		},
		[]string{"source"},
	)

	// StoreWriteLatency tracks progress store write latency
	StoreWriteLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "blockindexer_store_write_seconds",
			Help:    "Progress store write latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// StoreConflicts tracks optimistic write conflicts
	StoreConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockindexer_store_conflicts_total",
			Help: "Total number of rejected optimistic writes",
		},
		[]string{"deployment"},
	)

	// StoreTimeouts tracks store calls that exceeded their bound
	StoreTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockindexer_store_timeouts_total",
			Help: "Total number of progress store calls that timed out",
		},
		[]string{"op"},
	)

	// DBConnectionPoolUsage tracks postgres pool usage percentage
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blockindexer_db_pool_usage_percent",
			Help: "Percentage of open postgres connections out of the pool maximum",
		},
	)
)
