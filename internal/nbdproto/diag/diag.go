// Package diag is the Go replacement for the per-thread diagnostics slot in
// the original nbdkit threadlocal.c. A pthread_key_t-backed struct
// threadlocal can't translate directly: a Go session is served by a
// goroutine, not a fixed OS thread, and goroutines have no TLS. Instead the
// diagnostics record travels on the context, and the sticky error override
// becomes an explicit value on that record rather than ambient state.
package diag

import (
	"context"
	"sync"
)

type contextKey struct{}

var diagContextKey = contextKey{}

// Record is the per-session diagnostics slot: a display name, an instance
// number, and a sticky error override the backend facade can set during a
// dispatch call. It mirrors struct threadlocal in threadlocal.c field for
// field, minus the peer sockaddr (callers carry that directly on
// logger.LogContext instead of duplicating it here).
type Record struct {
	mu          sync.Mutex
	name        string
	instanceNum uint64
	err         error
}

// New creates a zeroed diagnostics record, the equivalent of the calloc'd
// struct threadlocal installed by threadlocal_new_server_thread.
func New() *Record {
	return &Record{}
}

// WithRecord attaches rec to ctx.
func WithRecord(ctx context.Context, rec *Record) context.Context {
	return context.WithValue(ctx, diagContextKey, rec)
}

// FromContext retrieves the Record attached to ctx, or nil if none.
func FromContext(ctx context.Context) *Record {
	rec, _ := ctx.Value(diagContextKey).(*Record)
	return rec
}

// SetName sets the display name tag (threadlocal_set_name).
func (r *Record) SetName(name string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.name = name
	r.mu.Unlock()
}

// Name returns the display name tag (threadlocal_get_name).
func (r *Record) Name() string {
	if r == nil {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.name
}

// SetInstanceNum sets the backend instance number (threadlocal_set_instance_num).
func (r *Record) SetInstanceNum(n uint64) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.instanceNum = n
	r.mu.Unlock()
}

// InstanceNum returns the backend instance number (threadlocal_get_instance_num).
func (r *Record) InstanceNum() uint64 {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.instanceNum
}

// SetError installs a sticky error override, the equivalent of
// threadlocal_set_error. Unlike the C original, there is no ambient errno
// fallback when rec is nil: a nil Record means the caller chose not to
// track one, and the error is simply dropped. The final error of a failed
// backend call is picked by ResolveError below, which applies the same
// resolution order as threadlocal_get_error.
func (r *Record) SetError(err error) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// ClearError resets the sticky error override before a new dispatch, the
// equivalent of the "clear the per-thread override error" step at the top
// of threadlocal_set_error's dispatch use in connections.c.
func (r *Record) ClearError() {
	r.SetError(nil)
}

// Error returns the sticky error override, or nil if none was set
// (threadlocal_get_error with no ambient-errno fallback — ambient errno
// does not exist as a concept in Go; ResolveError below is the full
// replacement for the C function).
func (r *Record) Error() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// ResolveError implements the error-resolution order a backend failure
// goes through before it's mapped to a wire error code: a backend-set
// override takes priority; otherwise, if the backend declares
// errno_is_preserved, fall back to opErr (the error returned directly by
// the failing backend call); otherwise fall back to EIO.
func ResolveError(rec *Record, opErr error, errnoPreserved bool, eio error) error {
	if rec != nil {
		if override := rec.Error(); override != nil {
			return override
		}
	}
	if errnoPreserved && opErr != nil {
		return opErr
	}
	return eio
}
