package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/guseggert/offload/conn"
	"github.com/guseggert/offload/frame"
	offloadnet "github.com/guseggert/offload/internal/net"
	"github.com/guseggert/offload/supervisor"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

var defaultLogger *zap.SugaredLogger

func init() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("error constructing default logger: %s", err))
	}
	defaultLogger = logger.Sugar().Named("client")
}

// Client runs one worker process and offloads requests to it.
type Client struct {
	log    *zap.SugaredLogger
	logger *zap.Logger
	launch supervisor.Launch

	codec       frame.Codec
	dial        conn.DialFunc
	retryDelay  time.Duration
	maxAttempts int
	onFatal     func(error)
	failPending bool
	meter       metric.Meter
	supOpts     []supervisor.Option

	sup  *supervisor.Supervisor
	conn *conn.Conn
	mux  *Multiplexer
	port int
}

type Option func(c *Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.logger = l
		c.log = l.Named("client").Sugar()
	}
}

func WithCodec(codec frame.Codec) Option {
	return func(c *Client) {
		c.codec = codec
	}
}

// WithDialer replaces the TCP dialer used to reach the worker.
func WithDialer(d conn.DialFunc) Option {
	return func(c *Client) {
		c.dial = d
	}
}

func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) {
		c.retryDelay = d
	}
}

func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		c.maxAttempts = n
	}
}

// WithFatalHandler is called when the worker cannot be started or reached.
func WithFatalHandler(f func(err error)) Option {
	return func(c *Client) {
		c.onFatal = f
	}
}

// WithFailPendingOnDisconnect makes callbacks still pending on disconnect fire with (false, null).
// By default they are dropped without being called.
func WithFailPendingOnDisconnect() Option {
	return func(c *Client) {
		c.failPending = true
	}
}

func WithMeter(m metric.Meter) Option {
	return func(c *Client) {
		c.meter = m
	}
}

func WithSupervisorOptions(opts ...supervisor.Option) Option {
	return func(c *Client) {
		c.supOpts = append(c.supOpts, opts...)
	}
}

// New prepares a client for the worker described by launch. A zero launch.Port picks a free loopback port.
func New(launch supervisor.Launch, opts ...Option) *Client {
	c := &Client{
		log:         defaultLogger,
		launch:      launch,
		codec:       frame.DefaultCodec(),
		retryDelay:  DefaultRetryDelay,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, o := range opts {
		o(c)
	}

	mt, err := newMetrics(c.meter)
	if err != nil {
		c.log.Warnw("client metrics disabled", "Error", err)
	}

	supOpts := c.supOpts
	connOpts := []conn.Option{
		conn.WithCodec(c.codec),
		conn.WithDisconnectHandler(c.disconnected),
	}
	muxOpts := []MultiplexerOption{withMetrics(mt)}
	if c.logger != nil {
		supOpts = append([]supervisor.Option{supervisor.WithLogger(c.logger)}, supOpts...)
		connOpts = append(connOpts, conn.WithLogger(c.logger))
		muxOpts = append(muxOpts, WithMultiplexerLogger(c.logger))
	}
	if c.dial != nil {
		connOpts = append(connOpts, conn.WithDialer(c.dial))
	}
	if c.failPending {
		muxOpts = append(muxOpts, WithFailPending())
	}

	c.sup = supervisor.New(supOpts...)
	connOpts = append(connOpts, conn.WithTerminator(c.sup.Terminate))
	c.conn = conn.New(append(connOpts, conn.WithMessageHandler(c.dispatch))...)
	c.mux = NewMultiplexer(c.conn, c.IsConnected, muxOpts...)
	return c
}

func (c *Client) dispatch(msg json.RawMessage) {
	c.mux.Dispatch(msg)
}

func (c *Client) disconnected(err error) {
	c.log.Warnw("lost connection to worker", "Error", err)
	c.mux.DropPending(err)
}

// Start launches the worker and blocks until it accepts a connection, startup fails, or ctx is done.
// A worker that cannot be launched is not retried.
func (c *Client) Start(ctx context.Context) error {
	launch := c.launch
	if launch.Port == 0 {
		port, err := offloadnet.FreeLoopbackPort()
		if err != nil {
			return c.fail(fmt.Errorf("picking worker port: %w", err))
		}
		launch.Port = port
	}
	c.port = launch.Port

	if err := c.sup.Start(launch); err != nil {
		return c.fail(fmt.Errorf("launching worker: %w", err))
	}

	boot := &Bootstrap{
		Log:         c.log.Named("bootstrap"),
		RetryDelay:  c.retryDelay,
		MaxAttempts: c.maxAttempts,
		OnFatal:     c.onFatal,
		metrics:     c.mux.metrics,
	}
	connect := func(ctx context.Context) error {
		return c.conn.Connect(ctx, offloadnet.Loopback, launch.Port)
	}
	attempts, err := boot.Run(ctx, connect, c.sup.Done())
	if err != nil {
		_ = c.sup.Terminate()
		return err
	}
	c.log.Infow("worker ready", "Port", launch.Port, "PID", c.sup.PID(), "Attempts", attempts)
	return nil
}

func (c *Client) fail(err error) error {
	c.log.Errorw("worker startup failed", "Error", err)
	if c.onFatal != nil {
		c.onFatal(err)
	}
	return err
}

// RequestWork sends data to the named worker; see Multiplexer.RequestWork.
func (c *Client) RequestWork(worker string, data any, onReceive Callback) error {
	return c.mux.RequestWork(worker, data, onReceive)
}

// IsConnected reports whether the connection is up and the worker process is running.
func (c *Client) IsConnected() bool {
	return c.conn.IsConnected() && c.sup.Running()
}

// Port returns the port the worker was told to listen on, once Start has been called.
func (c *Client) Port() int {
	return c.port
}

// Done is closed when the worker process ends.
func (c *Client) Done() <-chan struct{} {
	return c.sup.Done()
}

func (c *Client) ProcessState() supervisor.State {
	return c.sup.State()
}

// Close tells the worker to shut down, closes the connection, and stops the worker process.
// It is safe to call more than once.
func (c *Client) Close() error {
	err := c.conn.Close()
	c.mux.DropPending(conn.ErrClosed)
	return err
}
