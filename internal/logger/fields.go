package logger

// Standard field keys for structured logging. Use these consistently across
// all log statements so they stay greppable and aggregatable.
const (
	// ========================================================================
	// Session identification
	// ========================================================================
	KeyConnectionID = "connection_id" // session identifier assigned at accept time
	KeyClientAddr   = "client_addr"   // remote address of the connected client
	KeyExport       = "export"        // export name negotiated during handshake
	KeyThreadName   = "thread_name"   // backend-reported thread/instance name
	KeyInstanceNum  = "instance_num"  // backend instance number

	// ========================================================================
	// Protocol phase & operation
	// ========================================================================
	KeyPhase   = "phase"   // handshake, request_loop, shutdown
	KeyOption  = "option"  // NBD_OPT_* name during the option haggling phase
	KeyCommand = "command" // NBD_CMD_* name during the request loop
	KeyHandle  = "handle"  // client-supplied opaque request handle (cookie)
	KeyStatus  = "status"  // wire error code name, or "ok"

	// ========================================================================
	// I/O operations
	// ========================================================================
	KeyOffset = "offset" // request offset
	KeyLength = "length" // request length
	KeyFlags  = "flags"  // command flags bitmask

	// ========================================================================
	// Errors
	// ========================================================================
	KeyError      = "error"       // error message
	KeyErrno      = "errno"       // original host errno before coarsening to a wire error
	KeyWireErrors = "wire_errno"  // NBD wire error code sent to the client
	KeyDurationMs = "duration_ms" // operation duration in milliseconds
)
