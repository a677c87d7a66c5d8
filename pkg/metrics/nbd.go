package metrics

import "time"

// NBDMetrics provides observability for the NBD connection core.
// Implementations are optional: pass nil to disable metrics collection with
// zero overhead.
type NBDMetrics interface {
	// RecordConnectionAccepted increments the total accepted connections
	// counter.
	RecordConnectionAccepted()

	// RecordConnectionClosed increments the total closed connections
	// counter.
	RecordConnectionClosed()

	// RecordConnectionForceClosed increments the force-closed connections
	// counter, recorded when the shutdown timeout expires with connections
	// still active.
	RecordConnectionForceClosed()

	// SetActiveConnections updates the current connection gauge.
	SetActiveConnections(count int32)

	// RecordHandshake records the outcome of a completed handshake: dialect
	// ("oldstyle" or "newstyle"), whether TLS was negotiated, and whether it
	// succeeded.
	RecordHandshake(dialect string, tls bool, ok bool)

	// RecordOption records one option-phase exchange by name (e.g.
	// "EXPORT_NAME", "STARTTLS") and outcome ("ack", "accepted", "error",
	// "unsupported", "tls_required").
	RecordOption(option string, outcome string)

	// RecordCommand records a completed request-loop command: its name
	// (READ, WRITE, ...), duration, and wire error code name ("SUCCESS" on
	// success).
	RecordCommand(command string, duration time.Duration, wireError string)

	// RecordBytesTransferred records payload bytes moved by READ or WRITE.
	RecordBytesTransferred(command string, bytes uint64)
}
