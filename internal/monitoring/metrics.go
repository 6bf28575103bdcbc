package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for the ingestion broker.
// Scraped at /metrics; dashboards key off these exact names.
var (
	// WebSocket connections
	EdgeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "edge_relay_connections",
		Help: "Number of active edge relay connections",
	})

	ConsumerConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "consumer_connections",
		Help: "Number of active consumer connections",
	})

	// Message throughput
	MessagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messages_received_total",
		Help: "Total number of messages received",
	}, []string{"message_type", "user_id"})

	MessagesProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messages_processed_total",
		Help: "Total number of messages successfully processed",
	}, []string{"message_type"})

	MessagesFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messages_failed_total",
		Help: "Total number of messages that failed processing",
	}, []string{"message_type", "error_type"})

	// Buffer metrics
	BufferSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "buffer_size",
		Help: "Number of samples in buffer",
	}, []string{"user_id"})

	BufferCapacity = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "buffer_capacity",
		Help: "Maximum buffer capacity",
	}, []string{"user_id"})

	// Database persistence
	DBWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "db_writes_total",
		Help: "Total number of database writes",
	}, []string{"table"})

	DBWriteDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "db_write_duration_seconds",
		Help:    "Duration of database write operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"table"})

	DBBatchSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "db_batch_size",
		Help:    "Size of database write batches",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
	}, []string{"table"})

	PendingWrites = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pending_writes",
		Help: "Number of records pending database write",
	}, []string{"table"})

	DBFlushFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "db_flush_failures_total",
		Help: "Total number of failed batch flushes (batch retained for retry)",
	}, []string{"table"})

	// Pub/sub fan-out
	PublishFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "publish_failures_total",
		Help: "Total number of failed topic publishes (best-effort, not retried)",
	}, []string{"topic_kind"})

	// Consumer back-path
	PredictionsForwarded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "predictions_forwarded_total",
		Help: "Total number of predictions forwarded from consumers to edge relays",
	})

	ConsumerRateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_rate_limited_total",
		Help: "Total number of consumer messages dropped by rate limiting",
	})

	// Session metrics
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "active_sessions",
		Help: "Number of active sessions",
	})

	SessionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sessions_created_total",
		Help: "Total number of sessions created",
	})

	SessionsEnded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sessions_ended_total",
		Help: "Total number of sessions ended",
	})

	// System metrics
	CPUUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_cpu_usage_percent",
		Help: "Current process CPU usage percentage",
	})

	MemoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_memory_bytes",
		Help: "Current process resident memory in bytes",
	})

	GoroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_goroutines_active",
		Help: "Current number of active goroutines",
	})
)

func init() {
	prometheus.MustRegister(EdgeConnections)
	prometheus.MustRegister(ConsumerConnections)

	prometheus.MustRegister(MessagesReceived)
	prometheus.MustRegister(MessagesProcessed)
	prometheus.MustRegister(MessagesFailed)

	prometheus.MustRegister(BufferSize)
	prometheus.MustRegister(BufferCapacity)

	prometheus.MustRegister(DBWrites)
	prometheus.MustRegister(DBWriteDuration)
	prometheus.MustRegister(DBBatchSize)
	prometheus.MustRegister(PendingWrites)
	prometheus.MustRegister(DBFlushFailures)

	prometheus.MustRegister(PublishFailures)
	prometheus.MustRegister(PredictionsForwarded)
	prometheus.MustRegister(ConsumerRateLimited)

	prometheus.MustRegister(ActiveSessions)
	prometheus.MustRegister(SessionsCreated)
	prometheus.MustRegister(SessionsEnded)

	prometheus.MustRegister(CPUUsagePercent)
	prometheus.MustRegister(MemoryUsageBytes)
	prometheus.MustRegister(GoroutinesActive)
}
