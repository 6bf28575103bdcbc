// Package broker hosts the WebSocket session handlers (edge relays and
// consumers), the REST surface, and the lifecycle supervisor that wires the
// datastore, pub/sub and persistence pipeline together.
package broker

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/zanderlabs/ingest/internal/buffer"
	"github.com/zanderlabs/ingest/internal/config"
	"github.com/zanderlabs/ingest/internal/monitoring"
	"github.com/zanderlabs/ingest/internal/payload"
	"github.com/zanderlabs/ingest/internal/persistence"
	"github.com/zanderlabs/ingest/internal/registry"
	"github.com/zanderlabs/ingest/internal/store"
)

// SessionStore is the session-lifecycle slice of the datastore.
type SessionStore interface {
	CreateSession(ctx context.Context, userID string, deviceInfo payload.Map) (uuid.UUID, error)
	EndSession(ctx context.Context, sessionID uuid.UUID) error
	Ping(ctx context.Context) error
}

// RecordSink is the enqueue surface of the persistence pipeline.
type RecordSink interface {
	AddPrediction(r store.PredictionRecord)
	AddRawSample(r store.RawSampleRecord)
	Stats() persistence.Stats
}

// TopicBus is the pub/sub surface the handlers use.
type TopicBus interface {
	Publish(ctx context.Context, topic, topicKind string, payload []byte)
	Subscribe(ctx context.Context, topics ...string) *redis.PubSub
	Ping(ctx context.Context) error
}

// Broker holds the per-user stream buffers and routes messages between edge
// relays, topics, consumers and the persistence pipeline. sessions, sink and
// bus are nil when the corresponding feature toggle is off.
type Broker struct {
	cfg      *config.Config
	logger   zerolog.Logger
	sessions SessionStore
	sink     RecordSink
	bus      TopicBus
	registry *registry.Registry

	mu      sync.Mutex
	buffers map[string]*buffer.StreamBuffer

	consumerSeq  atomic.Int64
	shuttingDown atomic.Bool
	startedAt    time.Time

	sysMu    sync.Mutex
	sysStats SystemStats
}

// SystemStats is the system block of the /stats response.
type SystemStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryMB      float64 `json:"memory_mb"`
	Goroutines    int     `json:"goroutines"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// New assembles a broker. Nil sessions/sink disable persistence; a nil bus
// disables topic fan-out.
func New(cfg *config.Config, logger zerolog.Logger, sessions SessionStore, sink RecordSink, bus TopicBus, reg *registry.Registry) *Broker {
	return &Broker{
		cfg:       cfg,
		logger:    logger.With().Str("component", "broker").Logger(),
		sessions:  sessions,
		sink:      sink,
		bus:       bus,
		registry:  reg,
		buffers:   make(map[string]*buffer.StreamBuffer),
		startedAt: time.Now(),
	}
}

// bufferFor returns the stream buffer for userID, creating it on first use.
// Buffers live for the process lifetime so reconnecting relays keep history.
func (b *Broker) bufferFor(userID string) *buffer.StreamBuffer {
	b.mu.Lock()
	defer b.mu.Unlock()

	buf, ok := b.buffers[userID]
	if !ok {
		buf = buffer.New(b.cfg.BufferMaxSize)
		b.buffers[userID] = buf
		monitoring.BufferCapacity.WithLabelValues(userID).Set(float64(buf.Capacity()))
	}
	return buf
}

// lookupBuffer returns the buffer for userID without creating one.
func (b *Broker) lookupBuffer(userID string) (*buffer.StreamBuffer, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.buffers[userID]
	return buf, ok
}

// bufferStats snapshots per-user buffer statistics for /stats.
func (b *Broker) bufferStats() map[string]buffer.Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]buffer.Stats, len(b.buffers))
	for userID, buf := range b.buffers {
		out[userID] = buf.Stats()
	}
	return out
}

// createSession opens a session row, or mints a local session id when the
// datastore is disabled so the protocol surface stays identical.
func (b *Broker) createSession(ctx context.Context, userID string, deviceInfo payload.Map) (uuid.UUID, error) {
	if b.sessions == nil {
		return uuid.New(), nil
	}
	return b.sessions.CreateSession(ctx, userID, deviceInfo)
}

// endSession closes the session row. Failures are logged and swallowed: the
// socket is already gone and there is nothing left to abort.
func (b *Broker) endSession(ctx context.Context, sessionID uuid.UUID) {
	if b.sessions == nil {
		return
	}
	if err := b.sessions.EndSession(ctx, sessionID); err != nil {
		b.logger.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Failed to close session row")
	}
}

// setSystemStats is called by the supervisor's sampler.
func (b *Broker) setSystemStats(cpuPercent, memoryMB float64) {
	b.sysMu.Lock()
	b.sysStats = SystemStats{
		CPUPercent:    cpuPercent,
		MemoryMB:      memoryMB,
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: time.Since(b.startedAt).Seconds(),
	}
	b.sysMu.Unlock()

	monitoring.CPUUsagePercent.Set(cpuPercent)
	monitoring.MemoryUsageBytes.Set(memoryMB * 1024 * 1024)
	monitoring.GoroutinesActive.Set(float64(runtime.NumGoroutine()))
}

func (b *Broker) systemStats() SystemStats {
	b.sysMu.Lock()
	defer b.sysMu.Unlock()

	st := b.sysStats
	st.Goroutines = runtime.NumGoroutine()
	st.UptimeSeconds = time.Since(b.startedAt).Seconds()
	return st
}
