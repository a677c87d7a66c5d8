// Package backend defines the pluggable block-device capability surface the
// connection core dispatches to: a small set of lifecycle and capability
// queries alongside the actual I/O operations, grouped the way nbdkit
// groups a plugin's open/can_*/pread/pwrite callbacks.
package backend

import "context"

// LockMode tells the adapter how much of the connection-wide lock to hold
// around backend calls, the Go equivalent of the plugin_lock_connection /
// plugin_unlock_connection wrapping in connections.c. Most backends only
// need the lock held around Open; a backend that declares itself not
// thread-safe needs it held for the entire connection lifetime.
type LockMode int

const (
	// LockOpenOnly serializes only the Open call; request dispatch uses
	// just the per-session request lock. This is the common case.
	LockOpenOnly LockMode = iota

	// LockWholeConnection serializes the entire connection against every
	// other connection using this backend, because the backend is not
	// safe for concurrent use across sessions.
	LockWholeConnection
)

// Backend is the facade the connection core dispatches every I/O operation
// through. Implementations own the real storage; the core never calls an
// operation the backend's capability flags deny.
//
// Methods are grouped into three sections: Lifecycle, Capability Detection,
// and I/O Operations.
type Backend interface {
	// ---- Lifecycle ----

	// Open is called once per Session, before the handshake computes
	// export parameters. readonly reflects the server-wide read-only
	// configuration, not a capability query.
	Open(ctx context.Context, readonly bool) error

	// Close is called once per Session, only if Open succeeded.
	Close(ctx context.Context) error

	// ConnectionLockMode reports how much locking this backend needs
	// around its calls. It's queried once per connection, just before the
	// connection calls Open.
	ConnectionLockMode() LockMode

	// ErrnoIsPreserved reports whether a failing I/O call's returned error
	// should be trusted directly, as opposed to always coarsening to EIO
	// when no diagnostics override was set via diag.FromContext(ctx).SetError.
	ErrnoIsPreserved() bool

	// ---- Capability detection ----

	// Size returns the export size in bytes.
	Size(ctx context.Context) (int64, error)

	// CanWrite reports whether the backend accepts WRITE/TRIM/WRITE_ZEROES.
	CanWrite(ctx context.Context) (bool, error)

	// CanFlush reports whether the backend supports FLUSH.
	CanFlush(ctx context.Context) (bool, error)

	// CanTrim reports whether the backend supports TRIM.
	CanTrim(ctx context.Context) (bool, error)

	// IsRotational reports whether the backend should be advertised as a
	// rotational device (affects the ROTATIONAL export flag only; it has
	// no effect on request handling).
	IsRotational(ctx context.Context) (bool, error)

	// ---- I/O operations ----

	// Pread reads exactly len(buf) bytes starting at offset.
	Pread(ctx context.Context, buf []byte, offset uint64) error

	// Pwrite writes the full buf starting at offset.
	Pwrite(ctx context.Context, buf []byte, offset uint64) error

	// Flush forces any cached writes to stable storage.
	Flush(ctx context.Context) error

	// Trim discards count bytes starting at offset; the backend may treat
	// this as a hint.
	Trim(ctx context.Context, count uint32, offset uint64) error

	// Zero writes count zero bytes starting at offset. mayTrim reports
	// whether the caller did not set NO_HOLE, so the backend is free to
	// punch a hole instead of writing literal zeros.
	Zero(ctx context.Context, count uint32, offset uint64, mayTrim bool) error
}
