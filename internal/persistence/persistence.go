// Package persistence implements the batched write pipeline between ingress
// and the datastore.
//
// Two typed FIFO queues (predictions, raw samples) are flushed when a queue
// reaches the batch size and on a shared periodic ticker. A failed flush
// re-prepends the detached batch so queue order is preserved across retries;
// ingress never observes persistence failures.
package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zanderlabs/ingest/internal/monitoring"
	"github.com/zanderlabs/ingest/internal/store"
)

// Sink is the append-oriented datastore surface the pipeline writes to.
// *store.Store satisfies it; tests inject failures through it.
type Sink interface {
	InsertPredictions(ctx context.Context, records []store.PredictionRecord) error
	InsertRawSamples(ctx context.Context, records []store.RawSampleRecord) error
}

// flushTimeout bounds one batch round-trip so a hung sink cannot wedge the
// ticker or shutdown.
const flushTimeout = 30 * time.Second

// queue is one FIFO of pending records. mu guards the slice for both enqueue
// and the detach at flush start; flushMu serializes flushes of this queue
// against each other. Flush I/O runs outside mu so producers never block on
// the sink.
type queue[T any] struct {
	table string

	mu      sync.Mutex
	records []T

	flushMu sync.Mutex
	insert  func(ctx context.Context, records []T) error
}

func (q *queue[T]) add(r T) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.records = append(q.records, r)
	n := len(q.records)
	monitoring.PendingWrites.WithLabelValues(q.table).Set(float64(n))
	return n
}

func (q *queue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// flush detaches the current contents and writes them as one batch.
// Threshold-triggered flushes short-circuit when a flush is already in
// flight; ticker and shutdown flushes wait for their turn.
func (q *queue[T]) flush(logger zerolog.Logger, triggered bool) {
	if triggered {
		if !q.flushMu.TryLock() {
			return
		}
	} else {
		q.flushMu.Lock()
	}
	defer q.flushMu.Unlock()

	q.mu.Lock()
	if len(q.records) == 0 {
		q.mu.Unlock()
		return
	}
	batch := q.records
	q.records = nil
	monitoring.PendingWrites.WithLabelValues(q.table).Set(0)
	q.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	start := time.Now()
	if err := q.insert(ctx, batch); err != nil {
		logger.Error().
			Err(err).
			Str("table", q.table).
			Int("batch_size", len(batch)).
			Msg("Batch flush failed, batch restored for retry")
		monitoring.DBFlushFailures.WithLabelValues(q.table).Inc()

		// Restore the failed batch at the head so order is preserved and the
		// next tick retries it.
		q.mu.Lock()
		q.records = append(batch, q.records...)
		monitoring.PendingWrites.WithLabelValues(q.table).Set(float64(len(q.records)))
		q.mu.Unlock()
		return
	}

	monitoring.DBWrites.WithLabelValues(q.table).Add(float64(len(batch)))
	monitoring.DBBatchSize.WithLabelValues(q.table).Observe(float64(len(batch)))
	monitoring.DBWriteDuration.WithLabelValues(q.table).Observe(time.Since(start).Seconds())
	logger.Debug().
		Str("table", q.table).
		Int("batch_size", len(batch)).
		Dur("duration", time.Since(start)).
		Msg("Batch flushed")
}

// Stats mirrors the /stats persistence block.
type Stats struct {
	PredictionQueueLen int     `json:"prediction_buffer_size"`
	RawSampleQueueLen  int     `json:"raw_sample_buffer_size"`
	BatchSize          int     `json:"batch_size"`
	FlushIntervalSec   float64 `json:"flush_interval"`
	Running            bool    `json:"running"`
}

// Manager owns the two queues and the periodic flush ticker.
type Manager struct {
	logger        zerolog.Logger
	batchSize     int
	flushInterval time.Duration

	predictions *queue[store.PredictionRecord]
	rawSamples  *queue[store.RawSampleRecord]

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a pipeline writing to sink. Call Start to launch the ticker.
func New(sink Sink, batchSize int, flushInterval time.Duration, logger zerolog.Logger) *Manager {
	return &Manager{
		logger:        logger.With().Str("component", "persistence").Logger(),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		predictions: &queue[store.PredictionRecord]{
			table:  "predictions",
			insert: sink.InsertPredictions,
		},
		rawSamples: &queue[store.RawSampleRecord]{
			table:  "raw_samples",
			insert: sink.InsertRawSamples,
		},
	}
}

// Start launches the periodic flush ticker. Calling Start on a running
// manager is a no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.periodicFlush(ctx)

	m.logger.Info().
		Int("batch_size", m.batchSize).
		Dur("flush_interval", m.flushInterval).
		Msg("Persistence pipeline started")
}

// Stop cancels the ticker, waits for it, then performs a final flush of both
// queues. Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done

	m.flushAll()
	m.logger.Info().Msg("Persistence pipeline stopped (remaining data flushed)")
}

func (m *Manager) periodicFlush(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.flushAll()
		}
	}
}

// flushAll flushes both queues concurrently; the two streams must not block
// each other.
func (m *Manager) flushAll() {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.predictions.flush(m.logger, false)
	}()
	go func() {
		defer wg.Done()
		m.rawSamples.flush(m.logger, false)
	}()
	wg.Wait()
}

// AddPrediction enqueues a prediction record; reaching the batch size
// triggers a synchronous flush of the prediction queue.
func (m *Manager) AddPrediction(r store.PredictionRecord) {
	if m.predictions.add(r) >= m.batchSize {
		m.predictions.flush(m.logger, true)
	}
}

// AddRawSample enqueues a raw sample record; reaching the batch size
// triggers a synchronous flush of the raw sample queue.
func (m *Manager) AddRawSample(r store.RawSampleRecord) {
	if m.rawSamples.add(r) >= m.batchSize {
		m.rawSamples.flush(m.logger, true)
	}
}

// Stats returns queue lengths and configuration for the REST surface.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()

	return Stats{
		PredictionQueueLen: m.predictions.len(),
		RawSampleQueueLen:  m.rawSamples.len(),
		BatchSize:          m.batchSize,
		FlushIntervalSec:   m.flushInterval.Seconds(),
		Running:            running,
	}
}
