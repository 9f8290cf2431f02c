package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/guseggert/offload/frame"
	"go.uber.org/zap"
)

const (
	readBufferSize  = 32 << 10
	shutdownTimeout = time.Second
)

var (
	// ErrNotConnected is returned by Send when no connection is established. Nothing is written.
	ErrNotConnected = errors.New("not connected")
	// ErrClosed is returned by Connect when Close was called while the dial was in progress.
	ErrClosed = errors.New("connection closed")
)

// ShutdownMessage is sent to the worker before a deliberate close.
const ShutdownMessage = "shutdown"

type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// MessageHandler receives every decoded message, in wire order, on the read goroutine.
type MessageHandler func(msg json.RawMessage)

// DisconnectHandler is called when the connection drops without Close being called.
type DisconnectHandler func(err error)

// Conn is a framed JSON connection to a worker.
type Conn struct {
	log          *zap.SugaredLogger
	codec        frame.Codec
	dial         DialFunc
	onMessage    MessageHandler
	onDisconnect DisconnectHandler
	terminate    func() error
	noShutdown   bool

	writeMut sync.Mutex

	mut   sync.Mutex
	state State
	nc    net.Conn
}

type Option func(c *Conn)

func WithLogger(l *zap.Logger) Option {
	return func(c *Conn) {
		c.log = l.Named("conn").Sugar()
	}
}

func WithCodec(codec frame.Codec) Option {
	return func(c *Conn) {
		c.codec = codec
	}
}

func WithDialer(d DialFunc) Option {
	return func(c *Conn) {
		c.dial = d
	}
}

func WithMessageHandler(h MessageHandler) Option {
	return func(c *Conn) {
		c.onMessage = h
	}
}

func WithDisconnectHandler(h DisconnectHandler) Option {
	return func(c *Conn) {
		c.onDisconnect = h
	}
}

// WithTerminator sets the function Close calls after the socket is closed, typically stopping the worker process.
func WithTerminator(f func() error) Option {
	return func(c *Conn) {
		c.terminate = f
	}
}

// WithoutShutdownNotice makes Close skip the shutdown message, leaving the peer running.
// Used when attaching to a worker this process does not own.
func WithoutShutdownNotice() Option {
	return func(c *Conn) {
		c.noShutdown = true
	}
}

// New returns a disconnected Conn. Use Connect or Attach to establish it.
func New(opts ...Option) *Conn {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	c := &Conn{
		log:   defaultLogger,
		codec: frame.DefaultCodec(),
		dial:  dialer.DialContext,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Conn) State() State {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.state
}

func (c *Conn) IsConnected() bool {
	return c.State() == Connected
}

func (c *Conn) setState(s State) {
	c.log.Debugw("connection state change", "From", c.state, "To", s)
	c.state = s
}

func (c *Conn) begin() error {
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.state != Disconnected {
		return fmt.Errorf("cannot connect while %s", c.state)
	}
	c.setState(Connecting)
	return nil
}

// Connect dials host:port. On failure the connection returns to Disconnected and the dial error is returned
// unchanged apart from wrapping, so callers can test it with errors.Is.
func (c *Conn) Connect(ctx context.Context, host string, port int) error {
	if err := c.begin(); err != nil {
		return err
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	nc, err := c.dial(ctx, "tcp", addr)
	if err != nil {
		c.mut.Lock()
		c.setState(Disconnected)
		c.mut.Unlock()
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return c.establish(nc)
}

// Attach takes over an already established stream, such as a WebSocket adapted to net.Conn.
func (c *Conn) Attach(nc net.Conn) error {
	if err := c.begin(); err != nil {
		return err
	}
	return c.establish(nc)
}

func (c *Conn) establish(nc net.Conn) error {
	c.mut.Lock()
	if c.state != Connecting {
		// closed while dialing
		c.setState(Disconnected)
		c.mut.Unlock()
		_ = nc.Close()
		return ErrClosed
	}
	c.nc = nc
	c.setState(Connected)
	c.mut.Unlock()

	go c.readLoop(nc)
	return nil
}

// Send writes v as one frame. Frames from concurrent callers never interleave.
func (c *Conn) Send(v any) error {
	payload, err := c.codec.Marshal(v)
	if err != nil {
		return err
	}

	c.mut.Lock()
	nc := c.nc
	connected := c.state == Connected
	c.mut.Unlock()
	if !connected {
		return ErrNotConnected
	}

	c.writeMut.Lock()
	defer c.writeMut.Unlock()
	if err := c.codec.WriteFrame(nc, payload); err != nil {
		return fmt.Errorf("sending frame: %w", err)
	}
	return nil
}

func (c *Conn) readLoop(nc net.Conn) {
	dec := frame.NewDecoder(c.codec)
	buf := make([]byte, readBufferSize)
	for {
		n, err := nc.Read(buf)
		if n > 0 {
			if ferr := dec.Feed(buf[:n], c.deliver); ferr != nil {
				c.log.Warnw("closing connection after bad frame", "Error", ferr)
				c.drop(nc, ferr)
				return
			}
		}
		if err != nil {
			if buffered := dec.Buffered(); buffered > 0 {
				c.log.Warnw("connection ended inside a frame", "BufferedBytes", buffered)
			}
			c.drop(nc, err)
			return
		}
	}
}

func (c *Conn) deliver(msg json.RawMessage) error {
	if c.onMessage != nil {
		c.onMessage(msg)
	}
	return nil
}

// drop tears down nc after a read error unless Close already owns the teardown.
func (c *Conn) drop(nc net.Conn, err error) {
	c.mut.Lock()
	if c.nc != nc || c.state != Connected {
		c.mut.Unlock()
		return
	}
	c.nc = nil
	c.setState(Disconnected)
	c.mut.Unlock()

	_ = nc.Close()
	if errors.Is(err, io.EOF) {
		c.log.Infow("worker closed the connection")
	} else {
		c.log.Warnw("connection lost", "Error", err)
	}
	if c.onDisconnect != nil {
		c.onDisconnect(err)
	}
}

// Close sends a best-effort shutdown notice if connected, closes the socket, and calls the terminator.
// It is safe to call more than once.
func (c *Conn) Close() error {
	c.mut.Lock()
	prev := c.state
	nc := c.nc
	if prev == Connected || prev == Connecting {
		// a pending Connect finishes the transition to Disconnected
		c.setState(Closing)
	}
	c.mut.Unlock()

	var err error
	if prev == Connected {
		if !c.noShutdown {
			c.sendShutdown(nc)
		}
		if cerr := nc.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = fmt.Errorf("closing connection: %w", cerr)
		}
		c.mut.Lock()
		c.nc = nil
		c.setState(Disconnected)
		c.mut.Unlock()
	}

	if c.terminate != nil {
		if terr := c.terminate(); terr != nil && err == nil {
			err = fmt.Errorf("terminating worker: %w", terr)
		}
	}
	return err
}

func (c *Conn) sendShutdown(nc net.Conn) {
	payload, err := c.codec.Marshal(ShutdownMessage)
	if err != nil {
		return
	}
	c.writeMut.Lock()
	defer c.writeMut.Unlock()
	_ = nc.SetWriteDeadline(time.Now().Add(shutdownTimeout))
	if err := c.codec.WriteFrame(nc, payload); err != nil {
		c.log.Debugw("shutdown notice not delivered", "Error", err)
	}
}
