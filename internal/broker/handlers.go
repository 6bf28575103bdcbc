package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zanderlabs/ingest/internal/buffer"
	"github.com/zanderlabs/ingest/internal/monitoring"
	"github.com/zanderlabs/ingest/internal/payload"
	"github.com/zanderlabs/ingest/internal/pubsub"
	"github.com/zanderlabs/ingest/internal/store"
)

// edgeSession carries the per-connection identity the ingress handlers need.
type edgeSession struct {
	userID    string
	sessionID uuid.UUID
	buf       *buffer.StreamBuffer
}

// publishTimeout bounds a single fire-and-forget topic publish.
const publishTimeout = 5 * time.Second

// handleFeatures processes one feature sample: buffer append, topic fan-out,
// persistence enqueue. Fan-out and persistence are skipped when the
// corresponding toggle is off.
func (b *Broker) handleFeatures(sess edgeSession, data payload.Map) error {
	ts := time.Now().UTC()

	sess.buf.Append(buffer.Sample{
		Timestamp: ts,
		SessionID: sess.sessionID,
		UserID:    sess.userID,
		Kind:      buffer.KindFeatures,
		Data:      data,
	})
	monitoring.BufferSize.WithLabelValues(sess.userID).Set(float64(sess.buf.Len()))

	if b.bus != nil {
		encoded, err := payload.EncodeTopic(data)
		if err != nil {
			return fmt.Errorf("encode features payload: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		b.bus.Publish(ctx, pubsub.FeaturesTopic(sess.userID), buffer.KindFeatures, encoded)
		cancel()
	}

	if b.sink != nil {
		b.sink.AddPrediction(store.PredictionRecord{
			Timestamp:      ts,
			SessionID:      sess.sessionID,
			UserID:         sess.userID,
			PredictionType: "workload_edge",
			ClassifierName: "edge_relay",
			Data:           data,
			Confidence:     payload.Confidence(data),
		})
	}

	monitoring.MessagesProcessed.WithLabelValues(buffer.KindFeatures).Inc()
	return nil
}

// handleRaw processes one raw EEG sample, symmetric to handleFeatures.
func (b *Broker) handleRaw(sess edgeSession, data payload.Map) error {
	ts := time.Now().UTC()

	sess.buf.Append(buffer.Sample{
		Timestamp: ts,
		SessionID: sess.sessionID,
		UserID:    sess.userID,
		Kind:      buffer.KindRaw,
		Data:      data,
	})
	monitoring.BufferSize.WithLabelValues(sess.userID).Set(float64(sess.buf.Len()))

	if b.bus != nil {
		encoded, err := payload.EncodeTopic(data)
		if err != nil {
			return fmt.Errorf("encode raw payload: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		b.bus.Publish(ctx, pubsub.RawTopic(sess.userID), buffer.KindRaw, encoded)
		cancel()
	}

	if b.sink != nil {
		b.sink.AddRawSample(store.RawSampleRecord{
			Timestamp: ts,
			SessionID: sess.sessionID,
			UserID:    sess.userID,
			Data:      data,
		})
	}

	monitoring.MessagesProcessed.WithLabelValues(buffer.KindRaw).Inc()
	return nil
}
