/*
Package client offloads work to a worker process over a framed JSON connection.

A Client launches the worker on a free loopback port, polls until the worker accepts a connection, and then
multiplexes requests over that single connection:

	c := client.New(supervisor.Launch{Interpreter: "python3", Executable: "server.py"})
	if err := c.Start(ctx); err != nil {
		return err
	}
	defer c.Close()

	err := c.RequestWork("pkg.Worker", data, func(status bool, results json.RawMessage) {
		// runs on the connection's read goroutine
	})

Results only ever arrive on callbacks. Callbacks run in the order responses arrive, which need not be the
order requests were sent. Callbacks still pending when the connection goes away are dropped unless
WithFailPendingOnDisconnect is set.
*/
package client
