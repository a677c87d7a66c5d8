package diag

import "sync/atomic"

// ThreadCounter is a running-session counter, the Go replacement for the
// running_threads_lock/running_threads pair in threadlocal.c. The NBD
// adapter keeps one per Adapter and counts each connection whose backend
// opened; its own graceful shutdown waits on a WaitGroup, not on
// Running. It lives in
// this package, separate from the adapter's own connection-count gauge, so
// the connection core has no compile-time dependency on the adapter
// package.
type ThreadCounter struct {
	n atomic.Int64
}

// Incr records a new session starting (incr_running_threads).
func (c *ThreadCounter) Incr() {
	c.n.Add(1)
}

// Decr records a session finishing (decr_running_threads).
func (c *ThreadCounter) Decr() {
	c.n.Add(-1)
}

// Running returns the current number of active sessions (get_running_threads).
func (c *ThreadCounter) Running() int64 {
	return c.n.Load()
}
