package worker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/guseggert/offload/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

func startHTTP(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(newTestRegistry(t), WithLogger(zap.NewNop()))
	hs := httptest.NewServer(NewHTTPServer(srv).Handler())
	t.Cleanup(hs.Close)
	t.Cleanup(srv.Shutdown)
	return srv, hs
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestHTTPHealthAndWorkers(t *testing.T) {
	srv, hs := startHTTP(t)

	code, body := get(t, hs.URL+"/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok","workers":4}`, body)

	code, body = get(t, hs.URL+"/workers")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `["test.Echo","test.Fail","test.Panic","test.Sleep"]`, body)

	srv.Shutdown()
	code, _ = get(t, hs.URL+"/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestHTTPWebSocketAndMetrics(t *testing.T) {
	_, hs := startHTTP(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(hs.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	nc := websocket.NetConn(context.Background(), ws, websocket.MessageBinary)
	defer nc.Close()

	codec := frame.DefaultCodec()
	require.NoError(t, codec.Encode(nc, map[string]any{"request_id": "ws-1", "worker": "test.Echo", "data": []int{1, 2, 3}}))
	raw, err := codec.ReadFrame(nc)
	require.NoError(t, err)

	var resp struct {
		RequestID string          `json:"request_id"`
		Status    bool            `json:"status"`
		Results   json.RawMessage `json:"results"`
	}
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Equal(t, "ws-1", resp.RequestID)
	assert.True(t, resp.Status)
	assert.JSONEq(t, `[1,2,3]`, string(resp.Results))

	code, body := get(t, hs.URL+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `offload_worker_requests_total{status="ok",worker="test.Echo"} 1`)
	assert.Contains(t, body, "offload_worker_connections 1")
}
