package nbd

import (
	"context"
	"net"
	"runtime/debug"

	"github.com/lfany/nbdkit-go/internal/logger"
	"github.com/lfany/nbdkit-go/internal/nbdproto/diag"
	"github.com/lfany/nbdkit-go/internal/nbdproto/handshake"
	"github.com/lfany/nbdkit-go/internal/nbdproto/session"
	"github.com/lfany/nbdkit-go/pkg/backend"
)

// connection binds one accepted net.Conn to the connection core: it opens
// the backend, negotiates the handshake, and runs the request loop, with
// panic recovery around the whole connection lifetime so a single bad
// connection can't take down the listener goroutine.
type connection struct {
	adapter *Adapter
	conn    net.Conn
}

func newConnection(a *Adapter, conn net.Conn) *connection {
	return &connection{adapter: a, conn: conn}
}

// Serve runs the connection to completion: open, handshake, request loop,
// close. It never returns an error; failures are logged and simply end the
// connection.
func (c *connection) Serve(ctx context.Context) {
	clientAddr := c.conn.RemoteAddr().String()
	lc := logger.NewLogContext("", clientAddr)
	ctx = logger.WithContext(ctx, lc)

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCtx(ctx, "panic in nbd connection handler",
				"panic", r, "stack", string(debug.Stack()))
		}
	}()

	rec := diag.New()
	sess := session.New(session.Config{
		Newstyle:   c.adapter.config.Newstyle,
		ReadOnly:   c.adapter.config.ReadOnly,
		TLSPolicy:  c.adapter.config.TLSPolicy,
		ExportName: c.adapter.config.ExportName,
		TLSConfig:  c.adapter.config.TLSConfig,
	}, c.conn, c.adapter.backend, rec)
	sess.Metrics = c.adapter.metrics

	lc.ConnectionID = sess.ID
	ctx = logger.WithContext(ctx, lc)

	// plugin_lock_connection: Open is always serialized against every other
	// connection on this backend; a backend that isn't safe for concurrent
	// use at all (LockWholeConnection) keeps the lock for the whole Serve
	// body instead of releasing it once Open returns.
	c.adapter.backendLock.Lock()
	wholeConn := c.adapter.backend.ConnectionLockMode() == backend.LockWholeConnection
	openErr := sess.Open(ctx)
	if wholeConn {
		defer c.adapter.backendLock.Unlock()
	} else {
		c.adapter.backendLock.Unlock()
	}
	if openErr != nil {
		wireErr := NewWireError(openErr)
		logger.WarnCtx(ctx, "backend open failed",
			logger.KeyError, wireErr.Error(), logger.KeyWireErrors, wireErr.Code())
		sess.Close(ctx)
		return
	}
	defer sess.Close(ctx)

	c.adapter.threads.Incr()
	defer c.adapter.threads.Decr()

	dialect := "oldstyle"
	if c.adapter.config.Newstyle {
		dialect = "newstyle"
	}

	if err := handshake.Negotiate(ctx, sess); err != nil {
		logger.InfoCtx(ctx, "handshake failed", logger.KeyError, err.Error())
		if c.adapter.metrics != nil {
			c.adapter.metrics.RecordHandshake(dialect, sess.TLSActive, false)
		}
		return
	}
	if c.adapter.metrics != nil {
		c.adapter.metrics.RecordHandshake(dialect, sess.TLSActive, true)
	}

	lc.Export = c.adapter.config.ExportName
	ctx = logger.WithContext(ctx, lc)

	logger.InfoCtx(ctx, "export negotiated",
		logger.KeyExport, c.adapter.config.ExportName,
		"size", sess.ExportSize, "readonly", sess.ReadOnly)

	if err := session.Run(ctx, sess, &c.adapter.quit); err != nil {
		logger.WarnCtx(ctx, "request loop ended with error", logger.KeyError, err.Error())
		return
	}
	logger.InfoCtx(ctx, "connection ended")
}
