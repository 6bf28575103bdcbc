package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zanderlabs/ingest/internal/buffer"
	"github.com/zanderlabs/ingest/internal/persistence"
	"github.com/zanderlabs/ingest/internal/registry"
)

const readyProbeTimeout = 5 * time.Second

// Router builds the HTTP surface: the two WebSocket endpoints, health and
// stats, the buffer query API, and the Prometheus scrape endpoint.
func (b *Broker) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/stream", b.handleEdgeStream)
	r.HandleFunc("/subscribe/{user_id}", b.handleConsumerSubscribe)

	r.HandleFunc("/health", b.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", b.handleReady).Methods(http.MethodGet)

	r.HandleFunc("/buffer/{user_id}/latest", b.handleBufferLatest).Methods(http.MethodGet)
	r.HandleFunc("/buffer/{user_id}/last/{n}", b.handleBufferLastN).Methods(http.MethodGet)
	r.HandleFunc("/buffer/{user_id}/stats", b.handleBufferStats).Methods(http.MethodGet)

	r.HandleFunc("/stats", b.handleStats).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func (b *Broker) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports dependency reachability. Disabled dependencies report
// "disabled" and do not fail the probe.
func (b *Broker) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyProbeTimeout)
	defer cancel()

	ready := true
	redisStatus := "disabled"
	if b.bus != nil {
		redisStatus = "ok"
		if err := b.bus.Ping(ctx); err != nil {
			redisStatus = "unreachable: " + err.Error()
			ready = false
		}
	}

	dbStatus := "disabled"
	if b.sessions != nil {
		dbStatus = "ok"
		if err := b.sessions.Ping(ctx); err != nil {
			dbStatus = "unreachable: " + err.Error()
			ready = false
		}
	}

	status := http.StatusOK
	overall := "ok"
	if !ready {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	writeJSON(w, status, map[string]string{
		"status":   overall,
		"redis":    redisStatus,
		"database": dbStatus,
	})
}

// sampleKindParam validates the optional ?sample_type= query parameter.
func sampleKindParam(r *http.Request) (string, bool) {
	kind := r.URL.Query().Get("sample_type")
	switch kind {
	case "", buffer.KindFeatures, buffer.KindRaw:
		return kind, true
	}
	return "", false
}

func (b *Broker) handleBufferLatest(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	kind, ok := sampleKindParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "sample_type must be features or raw")
		return
	}

	buf, ok := b.lookupBuffer(userID)
	if !ok {
		writeError(w, http.StatusNotFound, "no buffer for user "+userID)
		return
	}
	sample, ok := buf.Latest(buffer.Filter{UserID: userID, Kind: kind})
	if !ok {
		writeError(w, http.StatusNotFound, "no samples for user "+userID)
		return
	}
	writeJSON(w, http.StatusOK, sample)
}

func (b *Broker) handleBufferLastN(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	userID := vars["user_id"]

	n, err := strconv.Atoi(vars["n"])
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "n must be a non-negative integer")
		return
	}
	kind, ok := sampleKindParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "sample_type must be features or raw")
		return
	}

	buf, ok := b.lookupBuffer(userID)
	if !ok {
		writeError(w, http.StatusNotFound, "no buffer for user "+userID)
		return
	}
	writeJSON(w, http.StatusOK, buf.LastN(n, buffer.Filter{UserID: userID, Kind: kind}))
}

func (b *Broker) handleBufferStats(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]

	buf, ok := b.lookupBuffer(userID)
	if !ok {
		writeError(w, http.StatusNotFound, "no buffer for user "+userID)
		return
	}
	writeJSON(w, http.StatusOK, buf.Stats())
}

// statsResponse aggregates the whole broker state for operators.
type statsResponse struct {
	Connections registry.Stats          `json:"connections"`
	Persistence *persistence.Stats      `json:"persistence"`
	Buffers     map[string]buffer.Stats `json:"buffers"`
	System      SystemStats             `json:"system"`
}

func (b *Broker) handleStats(w http.ResponseWriter, _ *http.Request) {
	resp := statsResponse{
		Connections: b.registry.Stats(),
		Buffers:     b.bufferStats(),
		System:      b.systemStats(),
	}
	if b.sink != nil {
		st := b.sink.Stats()
		resp.Persistence = &st
	}
	writeJSON(w, http.StatusOK, resp)
}
