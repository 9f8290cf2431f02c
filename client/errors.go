package client

import (
	"errors"

	"github.com/guseggert/offload/conn"
)

var (
	// ErrNotConnected is returned when work is requested without a connected, running worker.
	// It is the same value as conn.ErrNotConnected.
	ErrNotConnected = conn.ErrNotConnected

	// ErrStartupFailed means the worker never accepted a connection within the attempt budget.
	ErrStartupFailed = errors.New("worker startup failed")

	// ErrWorkerExited means the worker process ended before a connection was established.
	ErrWorkerExited = errors.New("worker process exited during startup")
)
