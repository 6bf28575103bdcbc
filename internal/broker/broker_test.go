package broker

import (
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/zanderlabs/ingest/internal/config"
	"github.com/zanderlabs/ingest/internal/persistence"
	"github.com/zanderlabs/ingest/internal/registry"
	"github.com/zanderlabs/ingest/internal/store"
)

const testAPIKey = "test-key"

func testConfig() *config.Config {
	return &config.Config{
		Addr:             ":0",
		EdgeAPIKey:       testAPIKey,
		BufferMaxSize:    100,
		BatchSize:        50,
		FlushInterval:    5 * time.Second,
		AuthTimeout:      2 * time.Second,
		ShutdownGrace:    time.Second,
		ConsumerMsgRate:  1000,
		ConsumerMsgBurst: 1000,
		LogLevel:         "error",
		LogFormat:        "json",
	}
}

// fakeBus captures publishes. Subscribe is unsupported; consumer tests use a
// real Bus backed by miniredis.
type fakeBus struct {
	mu        sync.Mutex
	published []publishedMsg
}

type publishedMsg struct {
	topic   string
	kind    string
	payload []byte
}

func (f *fakeBus) Publish(_ context.Context, topic, topicKind string, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedMsg{topic: topic, kind: topicKind, payload: payload})
}

func (f *fakeBus) Subscribe(ctx context.Context, topics ...string) *redis.PubSub {
	panic("fakeBus does not support Subscribe")
}

func (f *fakeBus) Ping(context.Context) error { return nil }

func (f *fakeBus) messages() []publishedMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]publishedMsg, len(f.published))
	copy(out, f.published)
	return out
}

// fakeRecordSink captures enqueued records without batching.
type fakeRecordSink struct {
	mu          sync.Mutex
	predictions []store.PredictionRecord
	rawSamples  []store.RawSampleRecord
}

func (f *fakeRecordSink) AddPrediction(r store.PredictionRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.predictions = append(f.predictions, r)
}

func (f *fakeRecordSink) AddRawSample(r store.RawSampleRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rawSamples = append(f.rawSamples, r)
}

func (f *fakeRecordSink) Stats() persistence.Stats { return persistence.Stats{} }

func (f *fakeRecordSink) predictionRecords() []store.PredictionRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.PredictionRecord, len(f.predictions))
	copy(out, f.predictions)
	return out
}

func (f *fakeRecordSink) rawRecords() []store.RawSampleRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.RawSampleRecord, len(f.rawSamples))
	copy(out, f.rawSamples)
	return out
}

// fakeRegConn implements registry.Conn for back-path assertions.
type fakeRegConn struct {
	mu   sync.Mutex
	sent []any
}

func (c *fakeRegConn) SendJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, v)
	return nil
}

func (c *fakeRegConn) Close() error { return nil }

func (c *fakeRegConn) messages() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.sent))
	copy(out, c.sent)
	return out
}

// newTestBroker builds a broker with the given collaborators (nil disables
// the corresponding feature) and serves its router on an httptest server.
func newTestBroker(t *testing.T, cfg *config.Config, sink RecordSink, bus TopicBus) (*Broker, *httptest.Server) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	reg := registry.New(zerolog.Nop())
	b := New(cfg, zerolog.Nop(), nil, sink, bus, reg)

	srv := httptest.NewServer(b.Router())
	t.Cleanup(srv.Close)
	return b, srv
}

// dialWS opens a client WebSocket against the test server.
func dialWS(t *testing.T, srv *httptest.Server, path string) net.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, _, err := ws.Dial(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}
