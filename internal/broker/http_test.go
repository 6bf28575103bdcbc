package broker

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zanderlabs/ingest/internal/buffer"
	"github.com/zanderlabs/ingest/internal/payload"
)

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp.StatusCode
}

func seedBuffer(b *Broker, userID string, n int) {
	buf := b.bufferFor(userID)
	sid := uuid.New()
	base := time.Now().UTC()
	for i := 0; i < n; i++ {
		kind := buffer.KindFeatures
		if i%2 == 1 {
			kind = buffer.KindRaw
		}
		buf.Append(buffer.Sample{
			Timestamp: base.Add(time.Duration(i) * time.Millisecond),
			SessionID: sid,
			UserID:    userID,
			Kind:      kind,
			Data:      payload.Map{"seq": float64(i)},
		})
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, srv := newTestBroker(t, nil, nil, nil)

	var body map[string]string
	status := getJSON(t, srv.URL+"/health", &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestReadyWithDisabledDependencies(t *testing.T) {
	_, srv := newTestBroker(t, nil, nil, nil)

	var body map[string]string
	status := getJSON(t, srv.URL+"/health/ready", &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "disabled", body["redis"])
	assert.Equal(t, "disabled", body["database"])
}

func TestBufferLatest(t *testing.T) {
	b, srv := newTestBroker(t, nil, nil, nil)
	seedBuffer(b, "u1", 4)

	var sample buffer.Sample
	status := getJSON(t, srv.URL+"/buffer/u1/latest", &sample)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "u1", sample.UserID)
	assert.Equal(t, 3.0, sample.Data["seq"])

	// Filtered by sample_type
	status = getJSON(t, srv.URL+"/buffer/u1/latest?sample_type=features", &sample)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, buffer.KindFeatures, sample.Kind)
	assert.Equal(t, 2.0, sample.Data["seq"])
}

func TestBufferLatestNotFound(t *testing.T) {
	b, srv := newTestBroker(t, nil, nil, nil)

	var body map[string]string
	status := getJSON(t, srv.URL+"/buffer/nobody/latest", &body)
	assert.Equal(t, http.StatusNotFound, status)

	// Buffer exists but holds no samples of the requested kind.
	b.bufferFor("u2")
	status = getJSON(t, srv.URL+"/buffer/u2/latest", &body)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestBufferLatestBadSampleType(t *testing.T) {
	b, srv := newTestBroker(t, nil, nil, nil)
	seedBuffer(b, "u1", 2)

	var body map[string]string
	status := getJSON(t, srv.URL+"/buffer/u1/latest?sample_type=bogus", &body)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestBufferLastN(t *testing.T) {
	b, srv := newTestBroker(t, nil, nil, nil)
	seedBuffer(b, "u1", 6)

	var samples []buffer.Sample
	status := getJSON(t, srv.URL+"/buffer/u1/last/3", &samples)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, samples, 3)
	// Newest first
	assert.Equal(t, 5.0, samples[0].Data["seq"])
	assert.Equal(t, 3.0, samples[2].Data["seq"])

	status = getJSON(t, srv.URL+"/buffer/u1/last/0", &samples)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, samples)

	status = getJSON(t, srv.URL+"/buffer/u1/last/100", &samples)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, samples, 6)
}

func TestBufferLastNBadArgument(t *testing.T) {
	b, srv := newTestBroker(t, nil, nil, nil)
	seedBuffer(b, "u1", 2)

	resp, err := http.Get(srv.URL + "/buffer/u1/last/-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBufferStatsEndpoint(t *testing.T) {
	b, srv := newTestBroker(t, nil, nil, nil)
	seedBuffer(b, "u1", 10)

	var st buffer.Stats
	status := getJSON(t, srv.URL+"/buffer/u1/stats", &st)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 10, st.TotalSamples)
	assert.Equal(t, 100, st.Capacity)
	assert.Equal(t, 1, st.UniqueUsers)
}

func TestStatsAggregate(t *testing.T) {
	sink := &fakeRecordSink{}
	b, srv := newTestBroker(t, nil, sink, nil)
	seedBuffer(b, "u1", 3)
	seedBuffer(b, "u2", 5)

	var resp struct {
		Connections struct {
			EdgeConnections     int      `json:"active_edge_connections"`
			ConsumerConnections int      `json:"active_consumer_connections"`
			ConnectedUsers      []string `json:"connected_users"`
		} `json:"connections"`
		Persistence *struct {
			BatchSize int `json:"batch_size"`
		} `json:"persistence"`
		Buffers map[string]buffer.Stats `json:"buffers"`
		System  SystemStats             `json:"system"`
	}
	status := getJSON(t, srv.URL+"/stats", &resp)
	require.Equal(t, http.StatusOK, status)

	assert.Equal(t, 0, resp.Connections.EdgeConnections)
	require.NotNil(t, resp.Persistence)
	require.Len(t, resp.Buffers, 2)
	assert.Equal(t, 3, resp.Buffers["u1"].TotalSamples)
	assert.Equal(t, 5, resp.Buffers["u2"].TotalSamples)
	assert.GreaterOrEqual(t, resp.System.Goroutines, 1)
}

func TestMetricsEndpoint(t *testing.T) {
	_, srv := newTestBroker(t, nil, nil, nil)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
}

func TestStreamRejectedDuringShutdown(t *testing.T) {
	b, srv := newTestBroker(t, nil, nil, nil)
	b.shuttingDown.Store(true)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health stays up during drain")

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/stream", nil)
	require.NoError(t, err)
	wsResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	wsResp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, wsResp.StatusCode)
}
