// Package conn manages the socket to a worker: connecting, framed sends, the read loop, and teardown.
//
// A Conn moves from Disconnected to Connecting to Connected, and back to Disconnected when the peer goes away
// or Close is called. Messages are delivered on a single goroutine in the order they arrive.
package conn
