// Package registry tracks live WebSocket peers: edge relays keyed by user id
// and consumers keyed by connection handle.
package registry

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zanderlabs/ingest/internal/monitoring"
)

// Conn is the minimal peer surface the registry needs. The broker's write-
// locked WebSocket wrapper satisfies it.
type Conn interface {
	SendJSON(v any) error
	Close() error
}

type edgeEntry struct {
	conn      Conn
	sessionID uuid.UUID
}

// Stats is the connection block of the /stats response.
type Stats struct {
	EdgeConnections     int      `json:"active_edge_connections"`
	ConsumerConnections int      `json:"active_consumer_connections"`
	ConnectedUsers      []string `json:"connected_users"`
}

// Registry is safe for concurrent use. One mutex guards both maps; sends
// happen outside the lock.
type Registry struct {
	logger zerolog.Logger

	mu        sync.Mutex
	edges     map[string]edgeEntry
	consumers map[string]Conn
}

func New(logger zerolog.Logger) *Registry {
	return &Registry{
		logger:    logger.With().Str("component", "registry").Logger(),
		edges:     make(map[string]edgeEntry),
		consumers: make(map[string]Conn),
	}
}

// RegisterEdge records conn as the edge relay for userID. Last writer wins:
// an existing connection for the same user is closed and replaced, so a relay
// that reconnects before its old socket times out is never locked out.
func (r *Registry) RegisterEdge(userID string, conn Conn, sessionID uuid.UUID) {
	r.mu.Lock()
	prev, hadPrev := r.edges[userID]
	r.edges[userID] = edgeEntry{conn: conn, sessionID: sessionID}
	n := len(r.edges)
	r.mu.Unlock()

	if hadPrev {
		r.logger.Warn().Str("user_id", userID).Msg("Replacing existing edge connection for user")
		_ = prev.conn.Close()
	}
	monitoring.EdgeConnections.Set(float64(n))
}

// DeregisterEdge removes the entry for userID only when conn is still the
// registered connection. A connection superseded by a reconnect must not
// remove its replacement during teardown.
func (r *Registry) DeregisterEdge(userID string, conn Conn) {
	r.mu.Lock()
	if e, ok := r.edges[userID]; ok && e.conn == conn {
		delete(r.edges, userID)
	}
	n := len(r.edges)
	r.mu.Unlock()

	monitoring.EdgeConnections.Set(float64(n))
}

// EdgeSession returns the session id of the currently registered edge relay
// for userID.
func (r *Registry) EdgeSession(userID string) (uuid.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.edges[userID]
	return e.sessionID, ok
}

// SendToEdge delivers msg to the edge relay for userID. Returns false when no
// relay is connected or the send fails; a failed send deregisters and closes
// the connection so the next attempt sees a clean miss.
func (r *Registry) SendToEdge(userID string, msg any) bool {
	r.mu.Lock()
	e, ok := r.edges[userID]
	r.mu.Unlock()
	if !ok {
		return false
	}

	if err := e.conn.SendJSON(msg); err != nil {
		r.logger.Warn().Err(err).Str("user_id", userID).Msg("Edge send failed, dropping connection")
		r.DeregisterEdge(userID, e.conn)
		_ = e.conn.Close()
		return false
	}
	return true
}

// RegisterConsumer records conn under its handle ("consumer-1", ...).
func (r *Registry) RegisterConsumer(handle string, conn Conn) {
	r.mu.Lock()
	r.consumers[handle] = conn
	n := len(r.consumers)
	r.mu.Unlock()

	monitoring.ConsumerConnections.Set(float64(n))
}

// DeregisterConsumer removes the consumer entry for handle.
func (r *Registry) DeregisterConsumer(handle string) {
	r.mu.Lock()
	delete(r.consumers, handle)
	n := len(r.consumers)
	r.mu.Unlock()

	monitoring.ConsumerConnections.Set(float64(n))
}

// CloseAll closes every registered connection and empties both maps.
// Called once during shutdown after the listener stops accepting.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]Conn, 0, len(r.edges)+len(r.consumers))
	for _, e := range r.edges {
		conns = append(conns, e.conn)
	}
	for _, c := range r.consumers {
		conns = append(conns, c)
	}
	r.edges = make(map[string]edgeEntry)
	r.consumers = make(map[string]Conn)
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	monitoring.EdgeConnections.Set(0)
	monitoring.ConsumerConnections.Set(0)
}

// Stats returns a snapshot of connection counts and connected user ids.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	users := make([]string, 0, len(r.edges))
	for u := range r.edges {
		users = append(users, u)
	}
	sort.Strings(users)

	return Stats{
		EdgeConnections:     len(r.edges),
		ConsumerConnections: len(r.consumers),
		ConnectedUsers:      users,
	}
}
