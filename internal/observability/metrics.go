package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PredictLedger.
type Metrics struct {
	// --- Engine ---
	CoreTxApplied     *prometheus.CounterVec
	CoreTxRejected    *prometheus.CounterVec
	CoreApplyDuration *prometheus.HistogramVec
	CoreSequence      prometheus.Gauge
	CoreHalted        prometheus.Gauge
	NonceRejections   *prometheus.CounterVec

	// --- Markets ---
	BetsPlaced       *prometheus.CounterVec
	BetVolumeCents   prometheus.Counter
	MarketsCreated   prometheus.Counter
	MarketsResolved  prometheus.Counter
	MarketsCancelled prometheus.Counter
	ResolutionDust   prometheus.Counter
	UnclaimedPools   prometheus.Counter
	EscrowTotalCents prometheus.Gauge
	SupplyTotalCents prometheus.Gauge
	WalletsConnected prometheus.Counter

	// --- Replay cache ---
	ReplayCacheHits      *prometheus.CounterVec
	ReplayCacheSize      prometheus.Gauge
	ReplayCacheEvictions prometheus.Counter
	ReplayTier2Duration  prometheus.Histogram
	ReplayTier2Errors    prometheus.Counter

	// --- Ingestion ---
	IngestToApply     *prometheus.HistogramVec
	NATSPullLatency   *prometheus.HistogramVec
	IngestRateLimited prometheus.Counter
	IngestMalformed   prometheus.Counter

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Persistence ---
	PersistTxWritten      prometheus.Counter
	PersistRecipesWritten prometheus.Counter
	PersistBatchSize      prometheus.Histogram
	PersistBatchDur       prometheus.Histogram
	PersistErrors         *prometheus.CounterVec
	PersistRetry          prometheus.Counter
	PersistLastSequence   prometheus.Gauge
	ProjectionUpdateDur   *prometheus.HistogramVec

	// --- Snapshot ---
	SnapshotTaken     *prometheus.CounterVec
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge

	// --- Coordination ---
	LeaderStatus prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics registers all metrics with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics with reg. Tests pass a private
// prometheus.NewRegistry() so repeated construction does not collide.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005, 0.0001,
		0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01, 0.05,
	}

	ingestBuckets := []float64{
		0.00005, 0.0001, 0.00025, 0.0005, 0.001,
		0.0025, 0.005, 0.01, 0.05, 0.1,
	}

	return &Metrics{
		// Engine
		CoreTxApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "predict_core_tx_applied_total",
			Help: "Signed transactions applied by the engine",
		}, []string{"tx_type"}),

		CoreTxRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "predict_core_tx_rejected_total",
			Help: "Transactions rejected, by error code",
		}, []string{"tx_type", "code"}),

		CoreApplyDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "predict_core_apply_duration_seconds",
			Help:    "Time spent inside the engine lock per transaction",
			Buckets: latencyBuckets,
		}, []string{"tx_type"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "predict_core_sequence",
			Help: "Sequence number of the last applied transaction",
		}),

		CoreHalted: f.NewGauge(prometheus.GaugeOpts{
			Name: "predict_core_halted",
			Help: "1 when the engine refuses writes after an invariant violation",
		}),

		NonceRejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "predict_nonce_rejections_total",
			Help: "Non-monotonic nonces (replay of a known envelope, or stale)",
		}, []string{"reason"}),

		// Markets
		BetsPlaced: f.NewCounterVec(prometheus.CounterOpts{
			Name: "predict_bets_placed_total",
			Help: "Bets accepted",
		}, []string{"market_id"}),

		BetVolumeCents: f.NewCounter(prometheus.CounterOpts{
			Name: "predict_bet_volume_cents_total",
			Help: "Total staked volume in cents",
		}),

		MarketsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "predict_markets_created_total",
			Help: "Markets created",
		}),

		MarketsResolved: f.NewCounter(prometheus.CounterOpts{
			Name: "predict_markets_resolved_total",
			Help: "Markets resolved",
		}),

		MarketsCancelled: f.NewCounter(prometheus.CounterOpts{
			Name: "predict_markets_cancelled_total",
			Help: "Markets cancelled and refunded",
		}),

		ResolutionDust: f.NewCounter(prometheus.CounterOpts{
			Name: "predict_resolution_dust_cents_total",
			Help: "Cents left in escrow after payout truncation",
		}),

		UnclaimedPools: f.NewCounter(prometheus.CounterOpts{
			Name: "predict_unclaimed_pools_total",
			Help: "Resolutions where no one backed the winning outcome",
		}),

		EscrowTotalCents: f.NewGauge(prometheus.GaugeOpts{
			Name: "predict_escrow_total_cents",
			Help: "Funds held across all escrow pools",
		}),

		SupplyTotalCents: f.NewGauge(prometheus.GaugeOpts{
			Name: "predict_supply_total_cents",
			Help: "Total token supply",
		}),

		WalletsConnected: f.NewCounter(prometheus.CounterOpts{
			Name: "predict_wallets_connected_total",
			Help: "New wallets registered and seeded",
		}),

		// Replay cache
		ReplayCacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "predict_replay_cache_hits_total",
			Help: "Receipts found for a replayed digest (lru/postgres)",
		}, []string{"tier"}),

		ReplayCacheSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "predict_replay_cache_size",
			Help: "Current receipt LRU occupancy",
		}),

		ReplayCacheEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "predict_replay_cache_evictions_total",
			Help: "Receipt LRU evictions",
		}),

		ReplayTier2Duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "predict_replay_tier2_duration_seconds",
			Help:    "Postgres receipt lookup latency",
			Buckets: latencyBuckets,
		}),

		ReplayTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "predict_replay_tier2_errors_total",
			Help: "Failed Postgres receipt lookups",
		}),

		// Ingestion
		IngestToApply: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "predict_ingest_to_apply_seconds",
			Help:    "NATS receive to engine apply complete",
			Buckets: ingestBuckets,
		}, []string{"tx_type"}),

		NATSPullLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "predict_nats_pull_latency_seconds",
			Help:    "NATS pull request latency",
			Buckets: ingestBuckets,
		}, []string{"subject"}),

		IngestRateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "predict_ingest_rate_limited_total",
			Help: "Envelopes refused by the per-sender limiter",
		}),

		IngestMalformed: f.NewCounter(prometheus.CounterOpts{
			Name: "predict_ingest_malformed_total",
			Help: "Messages that did not decode as an envelope",
		}),

		// Channel & Backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "predict_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "predict_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "predict_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "predict_projection_drops_total",
			Help: "Outputs dropped due to a full fan-out channel",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "predict_publish_drops_total",
			Help: "Outputs dropped due to a full publish channel",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "predict_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		// Persistence
		PersistTxWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "predict_persist_tx_written_total",
			Help: "Applied transactions written to Postgres",
		}),

		PersistRecipesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "predict_persist_recipes_written_total",
			Help: "Recipes written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "predict_persist_batch_size",
			Help:    "Outputs per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "predict_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "predict_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "predict_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "predict_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "predict_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		// Snapshot
		SnapshotTaken: f.NewCounterVec(prometheus.CounterOpts{
			Name: "predict_snapshot_taken_total",
			Help: "Snapshots written, by backend",
		}, []string{"backend"}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "predict_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "predict_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "predict_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		// Coordination
		LeaderStatus: f.NewGauge(prometheus.GaugeOpts{
			Name: "predict_leader",
			Help: "1 while this process holds the engine lease",
		}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "predict_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "predict_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "predict_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
