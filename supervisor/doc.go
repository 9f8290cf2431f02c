/*
Package supervisor launches a worker process and follows it through its lifecycle.

The worker is started as "<interpreter> <script> <port> [extra args...]", or as "<executable> <port> [extra args...]" for native executables.
Its stdout and stderr are split into lines and handed to an OutputSink, so partial lines from the two streams never interleave.

Lifecycle events are advisory. The supervisor never restarts a worker; a connection to the worker notices a dead peer on its own.
*/
package supervisor
