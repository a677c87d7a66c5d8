package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds per-session logging context. It is the Go replacement for
// the original C implementation's thread-local diagnostics slot: a Go
// connection is served by a goroutine, not a fixed OS thread, so the same
// information travels on the context instead of in thread-local storage.
type LogContext struct {
	ConnectionID string    // session identifier, assigned when the connection is accepted
	ThreadName   string    // backend-reported name for the handling thread, if any
	InstanceNum  uint64    // backend instance number for multi-instance plugins
	ClientAddr   string    // remote address (without port normalization)
	Export       string    // export name negotiated during handshake
	StartTime    time.Time // for duration calculation
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a new LogContext for a freshly accepted connection.
func NewLogContext(connectionID, clientAddr string) *LogContext {
	return &LogContext{
		ConnectionID: connectionID,
		ClientAddr:   clientAddr,
		StartTime:    time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	return &LogContext{
		ConnectionID: lc.ConnectionID,
		ThreadName:   lc.ThreadName,
		InstanceNum:  lc.InstanceNum,
		ClientAddr:   lc.ClientAddr,
		Export:       lc.Export,
		StartTime:    lc.StartTime,
	}
}

// WithThreadName returns a copy with the backend thread name set
func (lc *LogContext) WithThreadName(name string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.ThreadName = name
	}
	return clone
}

// WithInstanceNum returns a copy with the backend instance number set
func (lc *LogContext) WithInstanceNum(n uint64) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.InstanceNum = n
	}
	return clone
}

// WithExport returns a copy with the negotiated export name set
func (lc *LogContext) WithExport(export string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Export = export
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
