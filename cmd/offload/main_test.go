package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/guseggert/offload/config"
	"github.com/guseggert/offload/worker"
	"github.com/guseggert/offload/worker/builtin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startWorker(t *testing.T) (*worker.Server, string) {
	t.Helper()
	reg := worker.NewRegistry()
	require.NoError(t, builtin.Register(reg))
	srv := worker.NewServer(reg, worker.WithLogger(zap.NewNop()))
	hs := httptest.NewServer(worker.NewHTTPServer(srv).Handler())
	t.Cleanup(hs.Close)
	t.Cleanup(srv.Shutdown)
	return srv, hs.URL
}

func TestRequestOverWebSocket(t *testing.T) {
	srv, url := startWorker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out bytes.Buffer
	err := requestOverWebSocket(ctx, &out, config.Default(), zap.NewNop(), url, builtin.EchoName, map[string]any{"a": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":true,"results":{"a":1}}`, out.String())

	// the worker keeps serving after the CLI disconnects
	select {
	case <-srv.Done():
		t.Fatal("worker server stopped")
	case <-time.After(50 * time.Millisecond):
	}

	out.Reset()
	err = requestOverWebSocket(ctx, &out, config.Default(), zap.NewNop(), url, "pkg.Missing", nil)
	assert.Error(t, err)
	assert.JSONEq(t, `{"status":false,"results":"unknown worker: pkg.Missing"}`, out.String())
}

func TestRequestOverWebSocketDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := requestOverWebSocket(ctx, &bytes.Buffer{}, config.Default(), zap.NewNop(), "http://127.0.0.1:1", builtin.EchoName, nil)
	assert.Error(t, err)
}
