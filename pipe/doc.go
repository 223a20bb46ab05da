/*
Package pipe implements a bidirectional request/response transport between a host process and a child process reached through its standard input and output.

Messages are newline-delimited JSON records. There are two kinds:

	Call:  {"id": 1, "method": "query", "msg": {...}}
	Reply: {"id": -1, "err": null, "msg": [...]}

A Reply is recognized by the absence of the "method" key. It carries the negated id of the Call it answers, so each side only ever matches Replies against its own table of outstanding Calls and both sides can number their Calls independently.

Either side may initiate Calls. Handlers for inbound Calls are registered with At.

The protocol proceeds as follows:

1. The host spawns the child and binds a Transport to its stdin and stdout. The Transport starts corked: every outbound frame is queued in memory.
2. Once initialized, the child sends a Call with method "hello" and id 0. It gets no Reply.
3. On the handshake the host uncorks, flushing the queued frames in the order they were enqueued.
4. Both sides exchange Calls and Replies until the child exits or the Transport is closed, at which point every outstanding Call is rejected.

The child's stderr is never parsed; it is only logged. Spawn classifies process-level failures into ProcessStartError (the child never came alive) and ProcessCrashError (it died after it was observed alive).

Undecodable lines, Calls for unregistered methods and Replies without a matching Call are not fatal. They are reported to the error handler set with WithErrorHandler, which logs them at debug level by default.
*/
package pipe
