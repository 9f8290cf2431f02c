package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Request is the message sent to the worker.
type Request struct {
	RequestID string `json:"request_id"`
	Worker    string `json:"worker"`
	Data      any    `json:"data"`
}

// Response is the worker's reply to a Request.
type Response struct {
	RequestID string          `json:"request_id"`
	Status    bool            `json:"status"`
	Results   json.RawMessage `json:"results"`
}

// Callback receives the outcome of one request. It is called at most once.
type Callback func(status bool, results json.RawMessage)

// Sender writes one message to the worker. *conn.Conn is a Sender.
type Sender interface {
	Send(v any) error
}

type pendingRequest struct {
	worker   string
	callback Callback
	sent     time.Time
}

// Multiplexer correlates requests and responses over one connection by request ID.
type Multiplexer struct {
	log         *zap.SugaredLogger
	sender      Sender
	ready       func() bool
	failPending bool
	metrics     *metrics
	newID       func() string

	mut     sync.Mutex
	pending map[string]pendingRequest
}

type MultiplexerOption func(m *Multiplexer)

func WithMultiplexerLogger(l *zap.Logger) MultiplexerOption {
	return func(m *Multiplexer) {
		m.log = l.Named("multiplexer").Sugar()
	}
}

// WithFailPending makes DropPending call every pending callback with (false, null) instead of discarding it.
func WithFailPending() MultiplexerOption {
	return func(m *Multiplexer) {
		m.failPending = true
	}
}

func withMetrics(mt *metrics) MultiplexerOption {
	return func(m *Multiplexer) {
		m.metrics = mt
	}
}

// NewMultiplexer sends requests through s. ready reports whether requests may be sent at all;
// a nil ready always allows sending.
func NewMultiplexer(s Sender, ready func() bool, opts ...MultiplexerOption) *Multiplexer {
	m := &Multiplexer{
		log:     defaultLogger.Named("multiplexer"),
		sender:  s,
		ready:   ready,
		newID:   uuid.NewString,
		pending: map[string]pendingRequest{},
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = noopMetrics()
	}
	return m
}

// RequestWork sends data to the named worker. onReceive may be nil for fire-and-forget requests.
// It returns ErrNotConnected, without writing anything, when the worker is not ready.
func (m *Multiplexer) RequestWork(worker string, data any, onReceive Callback) error {
	if m.ready != nil && !m.ready() {
		return ErrNotConnected
	}

	id := m.newID()
	if onReceive != nil {
		m.mut.Lock()
		m.pending[id] = pendingRequest{worker: worker, callback: onReceive, sent: time.Now()}
		m.mut.Unlock()
	}

	m.log.Debugw("sending request", "RequestID", id, "Worker", worker)
	err := m.sender.Send(Request{RequestID: id, Worker: worker, Data: data})
	if err != nil {
		m.mut.Lock()
		delete(m.pending, id)
		m.mut.Unlock()
		if errors.Is(err, ErrNotConnected) {
			return ErrNotConnected
		}
		return fmt.Errorf("sending request to %s: %w", worker, err)
	}
	m.metrics.requestSent(worker)
	return nil
}

// Dispatch routes one decoded message to the callback registered for its request ID.
// Messages that are not responses, or whose ID has no pending callback, are dropped.
func (m *Multiplexer) Dispatch(msg json.RawMessage) {
	var resp Response
	if err := json.Unmarshal(msg, &resp); err != nil || resp.RequestID == "" {
		m.log.Debugw("dropping message that is not a response", "Message", string(msg))
		m.metrics.responseDropped()
		return
	}

	m.mut.Lock()
	p, ok := m.pending[resp.RequestID]
	if ok {
		delete(m.pending, resp.RequestID)
	}
	m.mut.Unlock()

	if !ok {
		m.log.Debugw("dropping response with no pending callback", "RequestID", resp.RequestID)
		m.metrics.responseDropped()
		return
	}
	m.metrics.responseReceived(p.worker, resp.Status, p.sent)
	p.callback(resp.Status, resp.Results)
}

// DropPending forgets every pending callback. With WithFailPending each one is first called with (false, null).
func (m *Multiplexer) DropPending(reason error) {
	m.mut.Lock()
	pending := m.pending
	m.pending = map[string]pendingRequest{}
	m.mut.Unlock()

	if len(pending) == 0 {
		return
	}
	if !m.failPending {
		m.log.Debugw("dropping pending callbacks", "Count", len(pending), "Reason", reason)
		return
	}
	m.log.Debugw("failing pending callbacks", "Count", len(pending), "Reason", reason)
	for _, p := range pending {
		p.callback(false, json.RawMessage("null"))
	}
}

// Pending returns the number of requests waiting for a response.
func (m *Multiplexer) Pending() int {
	m.mut.Lock()
	defer m.mut.Unlock()
	return len(m.pending)
}
