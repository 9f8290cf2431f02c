package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/guseggert/offload/frame"
	"go.uber.org/zap"
)

// ShutdownMessage is the control message that stops the server.
const ShutdownMessage = "shutdown"

// Request is a unit of work sent by a client.
type Request struct {
	RequestID string          `json:"request_id"`
	Worker    string          `json:"worker"`
	Data      json.RawMessage `json:"data"`
}

// Response carries a handler's outcome back to the client.
type Response struct {
	RequestID string `json:"request_id"`
	Status    bool   `json:"status"`
	Results   any    `json:"results"`
}

var defaultLogger *zap.SugaredLogger

func init() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("error constructing default logger: %s", err))
	}
	defaultLogger = logger.Sugar().Named("worker")
}

// Server answers framed requests by running registered handlers.
// Requests on one connection are handled concurrently, so responses can come back in any order.
type Server struct {
	log     *zap.SugaredLogger
	reg     *Registry
	codec   frame.Codec
	metrics *Metrics

	mut     sync.Mutex
	closers map[io.Closer]struct{}

	done     chan struct{}
	doneOnce sync.Once
}

type Option func(s *Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.log = l.Named("worker").Sugar()
	}
}

func WithCodec(c frame.Codec) Option {
	return func(s *Server) {
		s.codec = c
	}
}

func WithMetrics(m *Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

func NewServer(reg *Registry, opts ...Option) *Server {
	s := &Server{
		log:     defaultLogger,
		reg:     reg,
		codec:   frame.DefaultCodec(),
		closers: map[io.Closer]struct{}{},
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}
	return s
}

func (s *Server) Registry() *Registry { return s.reg }

func (s *Server) Metrics() *Metrics { return s.metrics }

// Done is closed once the server has been shut down, by Shutdown or by a client's shutdown message.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Shutdown stops accepting connections and closes the open ones. It is safe to call more than once.
func (s *Server) Shutdown() {
	s.doneOnce.Do(func() {
		s.log.Debug("shutting down")
		close(s.done)

		s.mut.Lock()
		closers := s.closers
		s.closers = map[io.Closer]struct{}{}
		s.mut.Unlock()
		for c := range closers {
			_ = c.Close()
		}
	})
}

func (s *Server) track(c io.Closer) bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	select {
	case <-s.done:
		return false
	default:
	}
	s.closers[c] = struct{}{}
	return true
}

func (s *Server) untrack(c io.Closer) {
	s.mut.Lock()
	defer s.mut.Unlock()
	delete(s.closers, c)
}

// ListenAndServe listens on addr, such as "127.0.0.1:4242", and serves until shutdown or ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until shutdown or ctx is done. A shutdown is not an error.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if !s.track(ln) {
		ln.Close()
		return nil
	}
	defer s.untrack(ln)

	go func() {
		select {
		case <-ctx.Done():
			s.Shutdown()
		case <-s.done:
		}
	}()

	s.log.Infow("listening", "Addr", ln.Addr().String())
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.ServeConn(ctx, nc); err != nil {
				s.log.Warnw("connection ended with error", "Remote", nc.RemoteAddr().String(), "Error", err)
			}
		}()
	}
}

// ServeConn serves one client stream until it ends, the client asks for a shutdown, or the server shuts down.
func (s *Server) ServeConn(ctx context.Context, rw io.ReadWriteCloser) error {
	if !s.track(rw) {
		rw.Close()
		return nil
	}
	s.metrics.connections.Inc()
	defer s.metrics.connections.Dec()

	ctx, cancel := context.WithCancel(ctx)
	var (
		writeMut sync.Mutex
		wg       sync.WaitGroup
	)
	defer func() {
		cancel()
		rw.Close()
		wg.Wait()
		s.untrack(rw)
	}()

	for {
		raw, err := s.codec.ReadFrame(rw)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || s.isDone() {
				return nil
			}
			return fmt.Errorf("reading frame: %w", err)
		}

		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			var ctl string
			if json.Unmarshal(raw, &ctl) == nil && ctl == ShutdownMessage {
				s.log.Infow("client requested shutdown")
				s.Shutdown()
				return nil
			}
			s.log.Warnw("ignoring message", "Message", string(raw))
			s.metrics.badFrames.Inc()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := s.handle(ctx, req)
			writeMut.Lock()
			defer writeMut.Unlock()
			if err := s.codec.Encode(rw, resp); err != nil {
				s.log.Debugw("unable to send response", "RequestID", req.RequestID, "Error", err)
			}
		}()
	}
}

func (s *Server) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Server) handle(ctx context.Context, req Request) (resp Response) {
	resp.RequestID = req.RequestID

	h, ok := s.reg.Lookup(req.Worker)
	if !ok {
		s.log.Warnw("unknown worker", "Worker", req.Worker, "RequestID", req.RequestID)
		s.metrics.requests.WithLabelValues("unknown", statusLabel(false)).Inc()
		resp.Results = "unknown worker: " + req.Worker
		return resp
	}

	s.metrics.inflight.Inc()
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("worker panicked", "Worker", req.Worker, "Panic", r)
			resp.Status = false
			resp.Results = fmt.Sprintf("worker %s panicked: %v", req.Worker, r)
		}
		s.metrics.inflight.Dec()
		s.metrics.duration.WithLabelValues(req.Worker).Observe(time.Since(start).Seconds())
		s.metrics.requests.WithLabelValues(req.Worker, statusLabel(resp.Status)).Inc()
	}()

	results, err := h(ctx, req.Data)
	if err != nil {
		s.log.Debugw("worker failed", "Worker", req.Worker, "RequestID", req.RequestID, "Error", err)
		resp.Results = err.Error()
		return resp
	}
	resp.Status = true
	resp.Results = results
	return resp
}
