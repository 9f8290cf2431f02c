package client

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func refused() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
}

// refuseN returns a ConnectFunc that refuses n times and then succeeds.
func refuseN(n int, calls *int) ConnectFunc {
	return func(ctx context.Context) error {
		*calls++
		if *calls <= n {
			return refused()
		}
		return nil
	}
}

func newTestBootstrap(maxAttempts int, fatals *[]error) *Bootstrap {
	return &Bootstrap{
		Log:         zap.NewNop().Sugar(),
		RetryDelay:  time.Millisecond,
		MaxAttempts: maxAttempts,
		OnFatal:     func(err error) { *fatals = append(*fatals, err) },
	}
}

func TestBootstrapRetryBound(t *testing.T) {
	const budget = 10

	t.Run("refusals up to the budget are fatal", func(t *testing.T) {
		var fatals []error
		calls := 0
		attempts, err := newTestBootstrap(budget, &fatals).Run(context.Background(), refuseN(budget, &calls), nil)
		assert.ErrorIs(t, err, ErrStartupFailed)
		assert.Equal(t, budget, attempts)
		assert.Equal(t, budget, calls)
		require.Len(t, fatals, 1)
		assert.ErrorIs(t, fatals[0], ErrStartupFailed)
	})

	t.Run("one fewer refusal connects", func(t *testing.T) {
		var fatals []error
		calls := 0
		attempts, err := newTestBootstrap(budget, &fatals).Run(context.Background(), refuseN(budget-1, &calls), nil)
		assert.NoError(t, err)
		assert.Equal(t, budget, attempts)
		assert.Equal(t, budget, calls)
		assert.Empty(t, fatals)
	})

	t.Run("immediate success", func(t *testing.T) {
		var fatals []error
		calls := 0
		attempts, err := newTestBootstrap(budget, &fatals).Run(context.Background(), refuseN(0, &calls), nil)
		assert.NoError(t, err)
		assert.Equal(t, 1, attempts)
		assert.Empty(t, fatals)
	})
}

func TestBootstrapOtherErrorsAreFatal(t *testing.T) {
	var fatals []error
	boom := errors.New("permission denied")
	calls := 0
	attempts, err := newTestBootstrap(10, &fatals).Run(context.Background(), func(ctx context.Context) error {
		calls++
		return boom
	}, nil)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrStartupFailed)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
	assert.Len(t, fatals, 1)
}

func TestBootstrapWorkerExited(t *testing.T) {
	var fatals []error
	exited := make(chan struct{})
	calls := 0
	connect := func(ctx context.Context) error {
		calls++
		if calls == 2 {
			close(exited)
		}
		return refused()
	}
	b := newTestBootstrap(1000, &fatals)
	b.RetryDelay = 20 * time.Millisecond
	_, err := b.Run(context.Background(), connect, exited)
	assert.ErrorIs(t, err, ErrWorkerExited)
	assert.Len(t, fatals, 1)
	assert.Less(t, calls, 1000)
}

func TestBootstrapContextCancelled(t *testing.T) {
	var fatals []error
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	connect := func(context.Context) error {
		calls++
		if calls == 3 {
			cancel()
		}
		return refused()
	}
	attempts, err := newTestBootstrap(100, &fatals).Run(ctx, connect, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, attempts)
	assert.Empty(t, fatals)
}

func TestBootstrapDefaults(t *testing.T) {
	calls := 0
	start := time.Now()
	attempts, err := (&Bootstrap{Log: zap.NewNop().Sugar()}).Run(context.Background(), refuseN(1, &calls), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.GreaterOrEqual(t, time.Since(start), 2*DefaultRetryDelay)
}
