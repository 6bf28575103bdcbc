package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/zanderlabs/ingest/internal/monitoring"
	"github.com/zanderlabs/ingest/internal/payload"
	"github.com/zanderlabs/ingest/internal/pubsub"
	"github.com/zanderlabs/ingest/internal/store"
)

// handleConsumerSubscribe upgrades /subscribe/{user_id} and hands the socket
// to the consumer session goroutine. Consumers are unauthenticated.
func (b *Broker) handleConsumerSubscribe(w http.ResponseWriter, r *http.Request) {
	if b.shuttingDown.Load() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	userID := mux.Vars(r)["user_id"]

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		b.logger.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Consumer WebSocket upgrade failed")
		return
	}

	go b.serveConsumer(conn, userID)
}

// serveConsumer runs one consumer session: forward the user's two topics to
// the consumer and route prediction envelopes from the consumer back to the
// user's edge relay. Either direction ending cancels the other.
func (b *Broker) serveConsumer(raw net.Conn, userID string) {
	handle := fmt.Sprintf("consumer-%d", b.consumerSeq.Add(1))
	conn := newWSConn(raw)
	logger := b.logger.With().
		Str("handler", "consumer").
		Str("consumer", handle).
		Str("user_id", userID).
		Logger()
	defer monitoring.RecoverPanic(logger, "consumer session", nil)

	if b.bus == nil {
		logger.Warn().Msg("Consumer rejected: pub/sub disabled")
		// 1013 (try again later); gobwas has no named constant for it
		_ = conn.closeWithStatus(ws.StatusCode(1013), "Pub/sub disabled")
		return
	}

	b.registry.RegisterConsumer(handle, conn)
	logger.Info().Msg("Consumer connected")

	defer func() {
		b.registry.DeregisterConsumer(handle)
		_ = conn.Close()
		logger.Info().Msg("Consumer disconnected")
	}()

	g, gctx := errgroup.WithContext(context.Background())

	sub := b.bus.Subscribe(gctx, pubsub.FeaturesTopic(userID), pubsub.RawTopic(userID))
	defer func() { _ = sub.Close() }()

	// Unblock the consumer read when the forward direction dies.
	go func() {
		<-gctx.Done()
		_ = conn.Close()
	}()

	g.Go(func() error {
		msgs := sub.Channel()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case msg, ok := <-msgs:
				if !ok {
					return fmt.Errorf("subscription closed")
				}
				tree, err := payload.DecodeTopic([]byte(msg.Payload))
				if err != nil {
					logger.Warn().Err(err).Str("topic", msg.Channel).Msg("Undecodable topic payload dropped")
					continue
				}
				if err := conn.SendJSON(tree); err != nil {
					return fmt.Errorf("forward to consumer: %w", err)
				}
			}
		}
	})

	g.Go(func() error {
		limiter := rate.NewLimiter(rate.Limit(b.cfg.ConsumerMsgRate), b.cfg.ConsumerMsgBurst)
		for {
			data, _, err := wsutil.ReadClientData(raw)
			if err != nil {
				return fmt.Errorf("consumer read: %w", err)
			}

			var msg payload.Map
			if err := json.Unmarshal(data, &msg); err != nil {
				logger.Warn().Err(err).Msg("Malformed consumer message dropped")
				continue
			}
			if t, _ := msg["type"].(string); t != "prediction" {
				logger.Debug().Interface("message_type", msg["type"]).Msg("Non-prediction consumer message dropped")
				continue
			}

			if !limiter.Allow() {
				monitoring.ConsumerRateLimited.Inc()
				continue
			}

			if !b.registry.SendToEdge(userID, msg) {
				logger.Debug().Msg("Prediction dropped: no edge relay connected")
				continue
			}
			monitoring.PredictionsForwarded.Inc()

			if b.sink != nil {
				b.persistConsumerPrediction(userID, msg, logger)
			}
		}
	})

	if err := g.Wait(); err != nil {
		logger.Debug().Err(err).Msg("Consumer session ended")
	}
}

// persistConsumerPrediction maps a prediction envelope onto a PredictionRecord
// and enqueues it. The session id comes from the envelope when present,
// otherwise from the currently registered edge session; without either the
// record is dropped (the row has a session foreign key).
func (b *Broker) persistConsumerPrediction(userID string, msg payload.Map, logger zerolog.Logger) {
	sessionID, ok := predictionSession(msg)
	if !ok {
		sessionID, ok = b.registry.EdgeSession(userID)
	}
	if !ok {
		logger.Debug().Msg("Prediction not persisted: no session id")
		return
	}

	data, _ := msg["data"].(map[string]any)
	if data == nil {
		data = payload.Map{}
	}

	confidence := payload.Confidence(msg)
	if confidence == nil {
		confidence = payload.Confidence(data)
	}

	var version *string
	if v, vok := msg["version"].(string); vok && v != "" {
		version = &v
	}
	var processingMS *float64
	if f, fok := payload.Float(msg["processing_time_ms"]); fok {
		processingMS = &f
	}

	b.sink.AddPrediction(store.PredictionRecord{
		Timestamp:         time.Now().UTC(),
		SessionID:         sessionID,
		UserID:            userID,
		PredictionType:    payload.String(msg, "prediction_type", "azure_ml"),
		ClassifierName:    payload.String(msg, "classifier_name", "azure_unknown"),
		Data:              data,
		Confidence:        confidence,
		ClassifierVersion: version,
		ProcessingTimeMS:  processingMS,
	})
}

func predictionSession(msg payload.Map) (uuid.UUID, bool) {
	s, ok := msg["session_id"].(string)
	if !ok || s == "" {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
