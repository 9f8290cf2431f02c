package net

import (
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFreeLoopbackPortIsBindable(t *testing.T) {
	port, err := FreeLoopbackPort()
	require.NoError(t, err)
	assert.Greater(t, port, 0)

	l, err := net.Listen("tcp", net.JoinHostPort(Loopback, strconv.Itoa(port)))
	require.NoError(t, err)
	require.NoError(t, l.Close())
}
