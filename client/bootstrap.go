package client

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultRetryDelay  = 100 * time.Millisecond
	DefaultMaxAttempts = 100
)

// ConnectFunc makes one connection attempt.
type ConnectFunc func(ctx context.Context) error

// Bootstrap polls a freshly started worker until it accepts a connection.
// Only refused connections are retried; any other dial error is fatal.
type Bootstrap struct {
	Log         *zap.SugaredLogger
	RetryDelay  time.Duration
	MaxAttempts int
	// OnFatal is called with the error when startup fails for good.
	OnFatal func(err error)

	metrics *metrics
}

func isRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

// Run waits RetryDelay, then calls connect until it succeeds, at most MaxAttempts times.
// exited is closed when the worker process ends; Run then gives up with ErrWorkerExited.
// It returns the number of attempts made.
func (b *Bootstrap) Run(ctx context.Context, connect ConnectFunc, exited <-chan struct{}) (int, error) {
	log := b.Log
	if log == nil {
		log = defaultLogger.Named("bootstrap")
	}
	delay := b.RetryDelay
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	maxAttempts := b.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	mt := b.metrics
	if mt == nil {
		mt = noopMetrics()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return attempts, ctx.Err()
		case <-exited:
			return attempts, b.fatal(fmt.Errorf("%w after %d connection attempts", ErrWorkerExited, attempts))
		case <-timer.C:
		}

		attempts++
		err := connect(ctx)
		if err == nil {
			mt.connectAttempt(false)
			log.Debugw("connected to worker", "Attempts", attempts)
			return attempts, nil
		}
		if ctx.Err() != nil {
			return attempts, ctx.Err()
		}
		if !isRefused(err) {
			mt.connectAttempt(false)
			return attempts, b.fatal(fmt.Errorf("connecting to worker: %w", err))
		}
		mt.connectAttempt(true)
		if attempts >= maxAttempts {
			return attempts, b.fatal(fmt.Errorf("%w: %d connection attempts refused: %s", ErrStartupFailed, attempts, err))
		}
		log.Debugw("worker not listening yet, retrying", "Attempt", attempts, "Delay", delay)
		timer.Reset(delay)
	}
}

func (b *Bootstrap) fatal(err error) error {
	log := b.Log
	if log == nil {
		log = defaultLogger.Named("bootstrap")
	}
	log.Errorw("worker startup failed", "Error", err)
	if b.OnFatal != nil {
		b.OnFatal(err)
	}
	return err
}
