package broker

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zanderlabs/ingest/internal/monitoring"
	"github.com/zanderlabs/ingest/internal/payload"
)

// authRequest is the mandatory first frame on an edge connection.
type authRequest struct {
	APIKey     string      `json:"api_key"`
	UserID     string      `json:"user_id"`
	DeviceInfo payload.Map `json:"device_info"`
}

type authAck struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

type heartbeatAck struct {
	Type string `json:"type"`
}

// handleEdgeStream upgrades /stream and hands the socket to the edge session
// goroutine.
func (b *Broker) handleEdgeStream(w http.ResponseWriter, r *http.Request) {
	if b.shuttingDown.Load() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		b.logger.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Edge WebSocket upgrade failed")
		return
	}

	go b.serveEdge(conn)
}

// serveEdge runs the edge session state machine: authenticate within the auth
// timeout, then process frames until disconnect.
func (b *Broker) serveEdge(raw net.Conn) {
	conn := newWSConn(raw)
	logger := b.logger.With().Str("handler", "edge").Logger()
	defer monitoring.RecoverPanic(logger, "edge session", nil)

	userID, sessionID, ok := b.authenticateEdge(conn, logger)
	if !ok {
		return
	}

	logger = logger.With().Str("user_id", userID).Str("session_id", sessionID.String()).Logger()

	buf := b.bufferFor(userID)
	b.registry.RegisterEdge(userID, conn, sessionID)
	monitoring.SessionsCreated.Inc()
	monitoring.ActiveSessions.Inc()

	if err := conn.SendJSON(authAck{Type: "auth_ack", SessionID: sessionID.String()}); err != nil {
		logger.Warn().Err(err).Msg("Failed to send auth ack")
	}
	logger.Info().Msg("Edge relay authenticated")

	defer func() {
		b.registry.DeregisterEdge(userID, conn)
		_ = conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		b.endSession(ctx, sessionID)
		monitoring.SessionsEnded.Inc()
		monitoring.ActiveSessions.Dec()
		logger.Info().Msg("Edge relay disconnected")
	}()

	sess := edgeSession{userID: userID, sessionID: sessionID, buf: buf}

	for {
		data, op, err := wsutil.ReadClientData(raw)
		if err != nil {
			logger.Debug().Err(err).Msg("Edge read loop ended")
			return
		}

		env, err := payload.DecodeFrame(op == ws.OpBinary, data)
		if err != nil {
			logger.Warn().Err(err).Msg("Undecodable edge frame dropped")
			monitoring.MessagesFailed.WithLabelValues("unknown", "decode_error").Inc()
			continue
		}

		monitoring.MessagesReceived.WithLabelValues(env.Type, userID).Inc()

		// Per-message errors are absorbed here: one bad sample must not
		// terminate the session.
		switch env.Type {
		case "features":
			if err := b.handleFeatures(sess, env.Payload); err != nil {
				logger.Warn().Err(err).Msg("Features handling failed")
				monitoring.MessagesFailed.WithLabelValues("features", "handler_error").Inc()
			}
		case "raw":
			if err := b.handleRaw(sess, env.Payload); err != nil {
				logger.Warn().Err(err).Msg("Raw sample handling failed")
				monitoring.MessagesFailed.WithLabelValues("raw", "handler_error").Inc()
			}
		case "heartbeat":
			if err := conn.SendJSON(heartbeatAck{Type: "heartbeat_ack"}); err != nil {
				logger.Debug().Err(err).Msg("Heartbeat ack send failed")
				return
			}
		default:
			logger.Debug().Str("message_type", env.Type).Msg("Unknown message type dropped")
			monitoring.MessagesFailed.WithLabelValues(env.Type, "unknown_type").Inc()
		}
	}
}

// authenticateEdge enforces the auth state: one JSON frame within the auth
// timeout carrying a matching api_key and a non-empty user_id. Every failure
// closes with 1008 before any session state is created.
func (b *Broker) authenticateEdge(conn *wsConn, logger zerolog.Logger) (string, uuid.UUID, bool) {
	if err := conn.conn.SetReadDeadline(time.Now().Add(b.cfg.AuthTimeout)); err != nil {
		logger.Warn().Err(err).Msg("Failed to arm auth deadline")
		_ = conn.Close()
		return "", uuid.Nil, false
	}

	data, _, err := wsutil.ReadClientData(conn.conn)
	if err != nil {
		logger.Warn().Err(err).Msg("No auth message before timeout")
		_ = conn.closeWithStatus(ws.StatusPolicyViolation, "Authentication timeout")
		return "", uuid.Nil, false
	}
	_ = conn.conn.SetReadDeadline(time.Time{})

	var req authRequest
	if err := json.Unmarshal(data, &req); err != nil {
		logger.Warn().Err(err).Msg("Malformed auth message")
		_ = conn.closeWithStatus(ws.StatusPolicyViolation, "Invalid API key")
		return "", uuid.Nil, false
	}
	if req.APIKey != b.cfg.EdgeAPIKey {
		logger.Warn().Str("user_id", req.UserID).Msg("Edge auth rejected: invalid API key")
		_ = conn.closeWithStatus(ws.StatusPolicyViolation, "Invalid API key")
		return "", uuid.Nil, false
	}
	if req.UserID == "" {
		logger.Warn().Msg("Edge auth rejected: missing user_id")
		_ = conn.closeWithStatus(ws.StatusPolicyViolation, "Missing user_id")
		return "", uuid.Nil, false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sessionID, err := b.createSession(ctx, req.UserID, req.DeviceInfo)
	if err != nil {
		logger.Error().Err(err).Str("user_id", req.UserID).Msg("Session creation failed")
		_ = conn.closeWithStatus(ws.StatusInternalServerError, "Session creation failed")
		return "", uuid.Nil, false
	}

	return req.UserID, sessionID, true
}
