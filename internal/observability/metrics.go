package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the settlement core and its
// surrounding services. Methods are nil-safe so tests can pass a nil *Metrics.
type Metrics struct {
	// Command processing
	CommandsApplied  *prometheus.CounterVec
	CommandsRejected *prometheus.CounterVec
	CommandDuration  *prometheus.HistogramVec
	CoreSequence     prometheus.Gauge

	// Journals
	JournalsGenerated *prometheus.CounterVec

	// Channel and backpressure
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	ProjectionDrops    prometheus.Counter

	// Idempotency
	DuplicateCommands *prometheus.CounterVec
	DedupLRUSize      prometheus.Gauge
	DedupLRUEvictions prometheus.Counter

	// Pool health
	PoolAumUSD         *prometheus.GaugeVec
	CustodyUtilization *prometheus.GaugeVec
	CustodyOwned       *prometheus.GaugeVec
	CustodyLocked      *prometheus.GaugeVec

	// Persistence
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistLastSequence    prometheus.Gauge

	// Snapshot and replay
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter

	// Query API
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005, 0.0001,
		0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		CommandsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_commands_applied_total",
			Help: "Commands successfully committed",
		}, []string{"kind"}),

		CommandsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_commands_rejected_total",
			Help: "Commands rejected (validation, dedup, funds)",
		}, []string{"kind"}),

		CommandDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_command_duration_seconds",
			Help:    "Time to execute a single command",
			Buckets: latencyBuckets,
		}, []string{"kind"}),

		CoreSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perp_core_sequence",
			Help: "Current global sequence number",
		}),

		JournalsGenerated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}),

		DuplicateCommands: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_duplicate_commands_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"kind", "tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perp_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		PoolAumUSD: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_pool_aum_usd",
			Help: "Assets under management per pool (USD, 1e6 scale)",
		}, []string{"pool"}),

		CustodyUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_custody_utilization_bps",
			Help: "Locked / owned per custody in basis points",
		}, []string{"pool", "custody"}),

		CustodyOwned: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_custody_owned_tokens",
			Help: "Pool-owned token amount per custody",
		}, []string{"pool", "custody"}),

		CustodyLocked: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_custody_locked_tokens",
			Help: "Tokens locked backing positions per custody",
		}, []string{"pool", "custody"}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistJournalsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perp_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perp_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayEventsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_replay_events_total",
			Help: "Events replayed on startup",
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}

// RecordCommand records the outcome and duration of one executed command.
func (m *Metrics) RecordCommand(kind string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	if ok {
		m.CommandsApplied.WithLabelValues(kind).Inc()
	} else {
		m.CommandsRejected.WithLabelValues(kind).Inc()
	}
	m.CommandDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordDuplicate records a dedup hit at the given tier.
func (m *Metrics) RecordDuplicate(kind, tier string) {
	if m == nil {
		return
	}
	m.DuplicateCommands.WithLabelValues(kind, tier).Inc()
}

// SetSequence publishes the committed sequence number.
func (m *Metrics) SetSequence(seq int64) {
	if m == nil {
		return
	}
	m.CoreSequence.Set(float64(seq))
}

// SetPoolAum publishes a pool's cached AUM.
func (m *Metrics) SetPoolAum(pool string, aumUSD uint64) {
	if m == nil {
		return
	}
	m.PoolAumUSD.WithLabelValues(pool).Set(float64(aumUSD))
}

// SetCustodyHealth publishes per-custody balance gauges.
func (m *Metrics) SetCustodyHealth(pool, custody string, owned, locked, utilizationBPS uint64) {
	if m == nil {
		return
	}
	m.CustodyOwned.WithLabelValues(pool, custody).Set(float64(owned))
	m.CustodyLocked.WithLabelValues(pool, custody).Set(float64(locked))
	m.CustodyUtilization.WithLabelValues(pool, custody).Set(float64(utilizationBPS))
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	if m == nil {
		return
	}
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}

// RecordSnapshot records one completed snapshot.
func (m *Metrics) RecordSnapshot(sequence int64, d time.Duration) {
	if m == nil {
		return
	}
	m.SnapshotTaken.Inc()
	m.SnapshotDuration.Observe(d.Seconds())
	m.SnapshotLastSeq.Set(float64(sequence))
}

// RecordQuery counts and times one API request.
func (m *Metrics) RecordQuery(endpoint, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.QueryRequests.WithLabelValues(endpoint, status).Inc()
	m.QueryDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}
