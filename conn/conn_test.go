package conn

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/guseggert/offload/frame"
	offloadnet "github.com/guseggert/offload/internal/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type peer struct {
	ln    net.Listener
	conns chan net.Conn
}

func newPeer(t *testing.T) *peer {
	t.Helper()
	ln, err := net.Listen("tcp", net.JoinHostPort(offloadnet.Loopback, "0"))
	require.NoError(t, err)
	p := &peer{ln: ln, conns: make(chan net.Conn, 1)}
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		p.conns <- nc
	}()
	t.Cleanup(func() { ln.Close() })
	return p
}

func (p *peer) port() int {
	return p.ln.Addr().(*net.TCPAddr).Port
}

func (p *peer) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case nc := <-p.conns:
		t.Cleanup(func() { nc.Close() })
		return nc
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for connection")
		return nil
	}
}

type inbox struct {
	msgs chan json.RawMessage
	errs chan error
}

func newInbox() *inbox {
	return &inbox{msgs: make(chan json.RawMessage, 100), errs: make(chan error, 1)}
}

func (i *inbox) next(t *testing.T) json.RawMessage {
	t.Helper()
	select {
	case m := <-i.msgs:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func (i *inbox) disconnected(t *testing.T) error {
	t.Helper()
	select {
	case err := <-i.errs:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for disconnect")
		return nil
	}
}

func newTestConn(t *testing.T, in *inbox, opts ...Option) *Conn {
	opts = append([]Option{
		WithLogger(zap.NewNop()),
		WithMessageHandler(func(m json.RawMessage) { in.msgs <- m }),
		WithDisconnectHandler(func(err error) { in.errs <- err }),
	}, opts...)
	return New(opts...)
}

func TestSendBeforeConnect(t *testing.T) {
	var dialed atomic.Bool
	c := New(WithDialer(func(ctx context.Context, network, addr string) (net.Conn, error) {
		dialed.Store(true)
		return nil, fmt.Errorf("unexpected dial")
	}))
	assert.Equal(t, Disconnected, c.State())
	assert.ErrorIs(t, c.Send("hello"), ErrNotConnected)
	assert.False(t, dialed.Load())
}

func TestConnectRefused(t *testing.T) {
	port, err := offloadnet.FreeLoopbackPort()
	require.NoError(t, err)

	c := New(WithLogger(zap.NewNop()))
	err = c.Connect(context.Background(), offloadnet.Loopback, port)
	assert.ErrorIs(t, err, syscall.ECONNREFUSED)
	assert.Equal(t, Disconnected, c.State())
}

func TestSendAndReceive(t *testing.T) {
	p := newPeer(t)
	in := newInbox()
	c := newTestConn(t, in)

	require.NoError(t, c.Connect(context.Background(), offloadnet.Loopback, p.port()))
	assert.True(t, c.IsConnected())
	nc := p.accept(t)

	require.NoError(t, c.Send(map[string]any{"worker": "pkg.Worker", "data": map[string]any{"a": 1}}))
	raw, err := frame.DefaultCodec().ReadFrame(nc)
	require.NoError(t, err)
	assert.JSONEq(t, `{"worker":"pkg.Worker","data":{"a":1}}`, string(raw))

	// split the response inside the payload
	var buf bytes.Buffer
	require.NoError(t, frame.DefaultCodec().Encode(&buf, map[string]any{"request_id": "X", "status": true, "results": []int{1, 2, 3}}))
	b := buf.Bytes()
	_, err = nc.Write(b[:9])
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = nc.Write(b[9:])
	require.NoError(t, err)

	assert.JSONEq(t, `{"request_id":"X","status":true,"results":[1,2,3]}`, string(in.next(t)))
}

func TestConcurrentSendsDoNotInterleave(t *testing.T) {
	p := newPeer(t)
	c := newTestConn(t, newInbox())
	require.NoError(t, c.Connect(context.Background(), offloadnet.Loopback, p.port()))
	nc := p.accept(t)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, c.Send(map[string]any{"i": i, "pad": string(bytes.Repeat([]byte{'x'}, 1000+i))}))
		}(i)
	}

	seen := map[int]bool{}
	for i := 0; i < n; i++ {
		raw, err := frame.DefaultCodec().ReadFrame(nc)
		require.NoError(t, err)
		var m struct {
			I int `json:"i"`
		}
		require.NoError(t, json.Unmarshal(raw, &m))
		seen[m.I] = true
	}
	wg.Wait()
	assert.Len(t, seen, n)
}

func TestPeerCloseDisconnects(t *testing.T) {
	p := newPeer(t)
	in := newInbox()
	var terminated atomic.Int32
	c := newTestConn(t, in, WithTerminator(func() error {
		terminated.Add(1)
		return nil
	}))
	require.NoError(t, c.Connect(context.Background(), offloadnet.Loopback, p.port()))

	nc := p.accept(t)
	require.NoError(t, nc.Close())

	assert.Error(t, in.disconnected(t))
	assert.Equal(t, Disconnected, c.State())
	assert.ErrorIs(t, c.Send("late"), ErrNotConnected)
	assert.Zero(t, terminated.Load())
}

func TestPeerCloseInsideFrameLogsBufferedBytes(t *testing.T) {
	p := newPeer(t)
	in := newInbox()
	core, logs := observer.New(zap.WarnLevel)
	c := newTestConn(t, in, WithLogger(zap.New(core)))
	require.NoError(t, c.Connect(context.Background(), offloadnet.Loopback, p.port()))
	nc := p.accept(t)

	var buf bytes.Buffer
	require.NoError(t, frame.DefaultCodec().Encode(&buf, "truncated"))
	_, err := nc.Write(buf.Bytes()[:7])
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, nc.Close())

	assert.Error(t, in.disconnected(t))
	entries := logs.FilterMessage("connection ended inside a frame").All()
	require.Len(t, entries, 1)
	assert.EqualValues(t, 7, entries[0].ContextMap()["BufferedBytes"])
	assert.Empty(t, in.msgs)
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	p := newPeer(t)
	in := newInbox()
	c := newTestConn(t, in)
	require.NoError(t, c.Connect(context.Background(), offloadnet.Loopback, p.port()))
	nc := p.accept(t)

	require.NoError(t, frame.DefaultCodec().WriteFrame(nc, []byte("{not json")))

	assert.ErrorIs(t, in.disconnected(t), frame.ErrMalformedFrame)
	assert.Equal(t, Disconnected, c.State())
	assert.Empty(t, in.msgs)
}

func TestCloseSendsShutdownAndTerminates(t *testing.T) {
	p := newPeer(t)
	in := newInbox()
	var terminated atomic.Int32
	c := newTestConn(t, in, WithTerminator(func() error {
		terminated.Add(1)
		return nil
	}))
	require.NoError(t, c.Connect(context.Background(), offloadnet.Loopback, p.port()))
	nc := p.accept(t)

	require.NoError(t, c.Close())
	assert.Equal(t, Disconnected, c.State())
	assert.Equal(t, int32(1), terminated.Load())

	raw, err := frame.DefaultCodec().ReadFrame(nc)
	require.NoError(t, err)
	assert.Equal(t, `"shutdown"`, string(raw))

	require.NoError(t, c.Close())
	assert.Equal(t, Disconnected, c.State())

	// a deliberate close is not reported as a disconnect
	select {
	case err := <-in.errs:
		t.Fatalf("unexpected disconnect: %s", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseWithoutShutdownNotice(t *testing.T) {
	p := newPeer(t)
	c := newTestConn(t, newInbox(), WithoutShutdownNotice())
	require.NoError(t, c.Connect(context.Background(), offloadnet.Loopback, p.port()))
	nc := p.accept(t)

	require.NoError(t, c.Close())
	assert.Equal(t, Disconnected, c.State())

	_, err := frame.DefaultCodec().ReadFrame(nc)
	assert.ErrorIs(t, err, io.EOF)
}

func TestCloseWithoutConnection(t *testing.T) {
	var terminated atomic.Int32
	c := New(WithTerminator(func() error {
		terminated.Add(1)
		return nil
	}))
	require.NoError(t, c.Close())
	assert.Equal(t, int32(1), terminated.Load())
	assert.Equal(t, Disconnected, c.State())
}

func TestAttachLittleEndian(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() { server.Close() })
	codec := frame.Codec{Order: binary.LittleEndian}
	in := newInbox()
	c := newTestConn(t, in, WithCodec(codec))
	require.NoError(t, c.Attach(client))

	assert.Error(t, c.Attach(client))

	go func() {
		_ = codec.Encode(server, map[string]any{"ok": true})
	}()
	assert.JSONEq(t, `{"ok":true}`, string(in.next(t)))

	go func() {
		_ = c.Send("ping")
	}()
	raw, err := codec.ReadFrame(server)
	require.NoError(t, err)
	assert.Equal(t, `"ping"`, string(raw))
}
