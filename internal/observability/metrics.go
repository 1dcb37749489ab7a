package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the safety module service.
type Metrics struct {
	// --- Command processing ---
	CommandsApplied  *prometheus.CounterVec
	CommandsRejected *prometheus.CounterVec
	CommandDuration  *prometheus.HistogramVec
	JournalsApplied  *prometheus.CounterVec
	CoreSequence     prometheus.Gauge

	// --- Reserve pools ---
	PoolDepositAmount  *prometheus.GaugeVec
	PoolPendingAmount  *prometheus.GaugeVec
	PoolFeeAmount      *prometheus.GaugeVec
	PendingRedemptions prometheus.Gauge
	ModuleState        prometheus.Gauge
	Slashes            *prometheus.CounterVec
	FeesClaimed        *prometheus.CounterVec
	RedemptionsSettled *prometheus.CounterVec

	// --- Channels & backpressure ---
	ChannelSize     *prometheus.GaugeVec
	ChannelCapacity *prometheus.GaugeVec
	ProjectionDrops *prometheus.CounterVec
	PublishDrops    prometheus.Counter

	// --- Idempotency & ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	SequenceGaps          *prometheus.CounterVec

	// --- Persistence ---
	PersistEntriesWritten  prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayCommands    prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics registers every metric on reg. Pass prometheus.DefaultRegisterer
// in the service and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CommandsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sm_commands_applied_total",
			Help: "Commands applied by the processor",
		}, []string{"command"}),
		CommandsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sm_commands_rejected_total",
			Help: "Commands rejected, by reason",
		}, []string{"command", "reason"}),
		CommandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sm_command_apply_duration_seconds",
			Help:    "Time to apply one command",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}, []string{"command"}),
		JournalsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sm_journals_applied_total",
			Help: "Journal entries applied to the pool ledger",
		}, []string{"journal_type"}),
		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "sm_core_sequence",
			Help: "Next sequence the processor will assign",
		}),

		PoolDepositAmount: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sm_pool_deposit_amount",
			Help: "Reserve pool deposit amount (float approximation)",
		}, []string{"pool", "asset"}),
		PoolPendingAmount: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sm_pool_pending_redemptions_amount",
			Help: "Reserve pool pending redemptions amount (float approximation)",
		}, []string{"pool", "asset"}),
		PoolFeeAmount: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sm_pool_fee_amount",
			Help: "Reserve pool unclaimed fees (float approximation)",
		}, []string{"pool", "asset"}),
		PendingRedemptions: f.NewGauge(prometheus.GaugeOpts{
			Name: "sm_pending_redemptions",
			Help: "Queued redemptions awaiting completion",
		}),
		ModuleState: f.NewGauge(prometheus.GaugeOpts{
			Name: "sm_module_state",
			Help: "0=ACTIVE 1=TRIGGERED 2=PAUSED",
		}),
		Slashes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sm_slashes_total",
			Help: "Slash instructions applied",
		}, []string{"pool"}),
		FeesClaimed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sm_fee_claims_total",
			Help: "Non-zero fee transfers",
		}, []string{"pool"}),
		RedemptionsSettled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sm_redemptions_settled_total",
			Help: "Redemptions settled, by path",
		}, []string{"path"}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sm_channel_size",
			Help: "Buffered items in an internal channel",
		}, []string{"channel"}),
		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sm_channel_capacity",
			Help: "Capacity of an internal channel",
		}, []string{"channel"}),
		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sm_projection_drops_total",
			Help: "Outputs dropped because the projection channel was full",
		}, []string{"projection"}),
		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "sm_publish_drops_total",
			Help: "Outbound events that failed to publish",
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sm_idempotency_duplicates_total",
			Help: "Duplicate commands skipped, by tier",
		}, []string{"command", "tier"}),
		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "sm_dedup_lru_size",
			Help: "Idempotency keys held in memory",
		}),
		SequenceGaps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sm_command_sequence_gap_total",
			Help: "Commands rejected for a source sequence gap",
		}, []string{"source"}),

		PersistEntriesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "sm_persist_entries_written_total",
			Help: "Event log entries written",
		}),
		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "sm_persist_journals_written_total",
			Help: "Journal rows written",
		}),
		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sm_persist_batch_size",
			Help:    "Outputs per persistence flush",
			Buckets: prometheus.LinearBuckets(1, 50, 10),
		}),
		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sm_persist_batch_duration_seconds",
			Help:    "Persistence flush duration",
			Buckets: prometheus.DefBuckets,
		}),
		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sm_persist_errors_total",
			Help: "Persistence errors by kind",
		}, []string{"kind"}),
		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "sm_persist_retry_total",
			Help: "Persistence flush retries",
		}),
		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "sm_persist_last_sequence",
			Help: "Last sequence durably written",
		}),

		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "sm_snapshot_taken_total",
			Help: "Snapshots written",
		}),
		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "sm_snapshot_size_bytes",
			Help: "Size of the last snapshot",
		}),
		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "sm_snapshot_last_sequence",
			Help: "Sequence of the last snapshot",
		}),
		ReplayCommands: f.NewCounter(prometheus.CounterOpts{
			Name: "sm_replay_commands_total",
			Help: "Commands replayed on startup",
		}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sm_query_requests_total",
			Help: "Query API requests",
		}, []string{"endpoint"}),
		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sm_query_errors_total",
			Help: "Query API errors",
		}, []string{"endpoint"}),
	}
}

// SetChannelMetrics updates the size and capacity gauges of a channel.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
}
