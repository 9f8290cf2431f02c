package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/guseggert/offload/frame"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Health is the body served by a worker's /healthz endpoint.
type Health struct {
	Status  string `json:"status"`
	Workers int    `json:"workers"`
}

// DiagClient talks to a worker's HTTP diagnostics endpoint.
type DiagClient struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	customizeRetryableClient func(*retryablehttp.Client)
}

type DiagOption func(d *DiagClient)

func WithDiagLogger(l *zap.Logger) DiagOption {
	return func(d *DiagClient) {
		d.Logger = l.Named("diag").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) DiagOption {
	return func(d *DiagClient) {
		d.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewDiagClient targets a diagnostics server, for example "http://127.0.0.1:7071".
func NewDiagClient(baseURL string, opts ...DiagOption) *DiagClient {
	d := &DiagClient{
		Logger:  defaultLogger.Named("diag"),
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
	for _, o := range opts {
		o(d)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 50 * time.Millisecond
	}
	retryClient.RetryMax = 5
	retryClient.Logger = &logAdapter{SugaredLogger: d.Logger}
	if d.customizeRetryableClient != nil {
		d.customizeRetryableClient(retryClient)
	}
	d.HTTPClient = retryClient.StandardClient()
	return d
}

func (d *DiagClient) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Add("Accept", "application/json")

	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func (d *DiagClient) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := d.getJSON(ctx, "/healthz", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Workers lists the worker names the server has registered.
func (d *DiagClient) Workers(ctx context.Context) ([]string, error) {
	var names []string
	if err := d.getJSON(ctx, "/workers", &names); err != nil {
		return nil, err
	}
	return names, nil
}

// DialWebSocket opens the framed protocol over the server's /ws endpoint.
// The returned net.Conn can be handed to conn.Conn.Attach.
func (d *DiagClient) DialWebSocket(ctx context.Context) (net.Conn, error) {
	u := "ws" + strings.TrimPrefix(d.baseURL, "http") + "/ws"
	ws, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: d.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", u, err)
	}
	ws.SetReadLimit(frame.DefaultMaxPayload + frame.HeaderSize)
	// the returned conn outlives the dial context
	return websocket.NetConn(context.Background(), ws, websocket.MessageBinary), nil
}
