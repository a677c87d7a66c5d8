// Package session implements the per-connection Session record and the
// request loop that dispatches parsed requests to a Backend, grounded on
// struct connection and recv_request_send_reply/handle_single_connection
// in nbdkit's connections.c.
package session

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/lfany/nbdkit-go/internal/logger"
	"github.com/lfany/nbdkit-go/internal/nbdproto/diag"
	"github.com/lfany/nbdkit-go/internal/nbdproto/transport"
	"github.com/lfany/nbdkit-go/internal/nbdproto/wire"
	"github.com/lfany/nbdkit-go/pkg/backend"
	"github.com/lfany/nbdkit-go/pkg/metrics"
)

// Config is the subset of server-wide configuration the connection core
// consumes: a newstyle flag, a read-only flag, a tri-state TLS policy, and a
// single fixed export name. Everything else (CLI parsing, socket binding,
// plugin loading) is external.
type Config struct {
	Newstyle   bool
	ReadOnly   bool
	TLSPolicy  wire.TLSPolicy
	ExportName string

	// TLSConfig is nil when TLS support isn't compiled in. This governs
	// whether a STARTTLS request under TLSOff gets ERR_POLICY (TLS is
	// supported but administratively disabled) or ERR_UNSUP (TLS support
	// isn't present at all).
	TLSConfig *tls.Config
}

// Session ties together the transport, handshake outcome, request lock, and
// backend handle for one connection's lifetime.
type Session struct {
	ID      string
	Config  Config
	Backend backend.Backend
	Diag    *diag.Record

	// Metrics is nil-able: a nil value disables option/command instrumentation
	// with zero overhead, matching NBDMetrics's documented contract.
	Metrics metrics.NBDMetrics

	// RequestLock serializes handshake I/O and every backend dispatch
	// within this connection.
	RequestLock sync.Mutex

	Transport transport.Transport

	backendOpened bool

	// Frozen once the handshake completes.
	ExportSize   uint64
	ReadOnly     bool // effective: server config OR backend denies writes
	CanFlush     bool
	CanTrim      bool
	IsRotational bool
	TLSActive    bool
}

// New constructs a Session for a freshly accepted connection. The backend
// is not opened here: the caller opens it (and closes it) explicitly, so
// that Open/Close failures can be reported before the Session is handed to
// the handshake.
func New(cfg Config, conn net.Conn, be backend.Backend, diagRecord *diag.Record) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Config:    cfg,
		Backend:   be,
		Diag:      diagRecord,
		Transport: transport.NewRaw(conn),
	}
}

// Open calls Backend.Open and records that it succeeded, so Close knows
// whether to call Backend.Close on teardown.
func (s *Session) Open(ctx context.Context) error {
	if err := s.Backend.Open(ctx, s.Config.ReadOnly); err != nil {
		return err
	}
	s.backendOpened = true
	return nil
}

// Close tears down the Session: it closes the transport unconditionally
// (ignoring errors — there is no channel left to report them on) and
// closes the backend only if Open succeeded.
func (s *Session) Close(ctx context.Context) {
	s.Transport.Close()
	if s.backendOpened {
		if err := s.Backend.Close(ctx); err != nil {
			logger.WarnCtx(ctx, "backend close failed", logger.KeyError, err.Error())
		}
	}
}

// Reader returns an io.Reader bound to the Session's current Transport. It
// re-reads s.Transport on every call, so it keeps working across a
// STARTTLS upgrade that replaces the Transport mid-session.
func (s *Session) Reader() io.Reader {
	return transport.IOProxy{Transport: transportRef{s}}
}

// Writer returns an io.Writer bound to the Session's current Transport,
// with the same late-binding behavior as Reader.
func (s *Session) Writer() io.Writer {
	return transport.IOProxy{Transport: transportRef{s}}
}

// transportRef forwards to s.Transport at call time rather than capturing
// it once, so a Transport swap on TLS upgrade is picked up transparently.
type transportRef struct{ s *Session }

func (t transportRef) Recv(buf []byte) error { return t.s.Transport.Recv(buf) }
func (t transportRef) Send(buf []byte) error { return t.s.Transport.Send(buf) }
func (t transportRef) Drain(n int) error     { return t.s.Transport.Drain(n) }
func (t transportRef) Close()                { t.s.Transport.Close() }
