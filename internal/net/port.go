package net

import (
	"fmt"
	"net"
)

// Loopback is the host workers listen on.
const Loopback = "127.0.0.1"

// FreeLoopbackPort asks the OS for an unused TCP port on the loopback interface and releases it immediately.
// Another process may grab the port before the caller binds it; callers accept that race.
func FreeLoopbackPort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(Loopback, "0"))
	if err != nil {
		return 0, fmt.Errorf("resolving %s:0: %w", Loopback, err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}
