// Package nbd wires the connection core (session, handshake, request loop)
// into a standalone TCP server: an accept loop, a connection-counting
// semaphore, and context-driven graceful shutdown around a single Backend.
package nbd

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/lfany/nbdkit-go/internal/logger"
	"github.com/lfany/nbdkit-go/internal/nbdproto/diag"
	"github.com/lfany/nbdkit-go/pkg/backend"
	"github.com/lfany/nbdkit-go/pkg/metrics"
)

var configValidator = validator.New()

// Adapter accepts TCP connections and serves the NBD protocol against a
// single Backend; the server advertises exactly one fixed export.
type Adapter struct {
	config  Config
	backend backend.Backend
	metrics metrics.NBDMetrics

	listener   net.Listener
	listenerMu sync.RWMutex

	shutdown      chan struct{}
	shutdownOnce  sync.Once
	activeConns   sync.WaitGroup
	connCount     atomic.Int32
	connSemaphore chan struct{}
	quit          atomic.Bool

	// backendLock is plugin_lock_connection's Go equivalent: held around
	// Backend.Open for every connection, and for the whole connection
	// lifetime when the backend reports LockWholeConnection. See
	// connection.go's Serve.
	backendLock sync.Mutex

	// threads counts connections being served after a successful
	// Backend.Open, the Go equivalent of nbdkit's running-thread counter.
	threads diag.ThreadCounter

	listenerReady chan struct{}
}

// NewAdapter constructs an Adapter for the given config and backend. The
// backend is shared across all connections; the backend's own
// ConnectionLockMode governs whether that's safe. cfg is validated with
// struct tags via go-playground/validator, same as the rest of this
// binary's configuration.
func NewAdapter(cfg Config, be backend.Backend, m metrics.NBDMetrics) (*Adapter, error) {
	if err := configValidator.Struct(cfg); err != nil {
		return nil, fmt.Errorf("nbd: invalid config: %w", err)
	}

	var sem chan struct{}
	if cfg.MaxConnections > 0 {
		sem = make(chan struct{}, cfg.MaxConnections)
	}
	return &Adapter{
		config:        cfg,
		backend:       be,
		metrics:       m,
		shutdown:      make(chan struct{}),
		connSemaphore: sem,
		listenerReady: make(chan struct{}),
	}, nil
}

// Serve runs the accept loop until ctx is cancelled or Stop is called.
func (a *Adapter) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", a.config.BindAddress, a.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("nbd: listen on %s: %w", addr, err)
	}

	a.listenerMu.Lock()
	a.listener = listener
	a.listenerMu.Unlock()
	close(a.listenerReady)

	logger.Info("nbd server listening", "address", listener.Addr().String())

	go func() {
		<-ctx.Done()
		logger.Info("nbd shutdown signal received", "error", ctx.Err())
		a.initiateShutdown()
	}()

	for {
		if a.connSemaphore != nil {
			select {
			case a.connSemaphore <- struct{}{}:
			case <-a.shutdown:
				return a.gracefulShutdown()
			}
		}

		conn, err := listener.Accept()
		if err != nil {
			if a.connSemaphore != nil {
				<-a.connSemaphore
			}
			select {
			case <-a.shutdown:
				return a.gracefulShutdown()
			default:
				logger.Debug("nbd accept error", "error", err)
				continue
			}
		}

		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}

		a.activeConns.Add(1)
		a.connCount.Add(1)
		if a.metrics != nil {
			a.metrics.RecordConnectionAccepted()
			a.metrics.SetActiveConnections(a.connCount.Load())
		}

		c := newConnection(a, conn)
		go func() {
			defer a.finishConnection(conn)
			c.Serve(ctx)
		}()
	}
}

func (a *Adapter) finishConnection(conn net.Conn) {
	a.activeConns.Done()
	a.connCount.Add(-1)
	if a.connSemaphore != nil {
		<-a.connSemaphore
	}
	if a.metrics != nil {
		a.metrics.RecordConnectionClosed()
		a.metrics.SetActiveConnections(a.connCount.Load())
	}
	logger.Debug("nbd connection closed", "address", conn.RemoteAddr())
}

func (a *Adapter) initiateShutdown() {
	a.shutdownOnce.Do(func() {
		a.quit.Store(true)
		close(a.shutdown)
		a.listenerMu.RLock()
		l := a.listener
		a.listenerMu.RUnlock()
		if l != nil {
			_ = l.Close()
		}
	})
}

func (a *Adapter) gracefulShutdown() error {
	done := make(chan struct{})
	go func() {
		a.activeConns.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("nbd graceful shutdown complete")
		return nil
	case <-time.After(a.config.ShutdownTimeout):
		remaining := a.connCount.Load()
		logger.Warn("nbd shutdown timeout exceeded, connections will be force-closed by conn.Close on process exit",
			"remaining", remaining)
		if a.metrics != nil {
			a.metrics.RecordConnectionForceClosed()
		}
		return fmt.Errorf("nbd: shutdown timeout with %d connections still active", remaining)
	}
}

// Stop signals graceful shutdown and waits (bounded by ctx) for it to
// finish.
func (a *Adapter) Stop(ctx context.Context) error {
	a.initiateShutdown()

	done := make(chan struct{})
	go func() {
		a.activeConns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Protocol returns the adapter's protocol name, for logging parity with the
// other protocol adapters in this codebase.
func (a *Adapter) Protocol() string { return "NBD" }

// Port returns the configured listen port.
func (a *Adapter) Port() int { return a.config.Port }

// Addr blocks until the listener is ready and returns its address. Used by
// tests that bind to port 0.
func (a *Adapter) Addr() string {
	<-a.listenerReady
	a.listenerMu.RLock()
	defer a.listenerMu.RUnlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}
