package nbd

import (
	"crypto/tls"
	"time"

	"github.com/lfany/nbdkit-go/internal/nbdproto/wire"
)

// Config holds everything the NBD adapter needs to accept connections and
// negotiate exports: the usual bind address, port, connection limits, and
// shutdown timeout, plus the protocol-level parameters (dialect, TLS
// policy, the fixed export) specific to NBD.
type Config struct {
	// BindAddress is the IP address to bind to. Empty or "0.0.0.0" binds to
	// all interfaces.
	BindAddress string `mapstructure:"bind_address"`

	// Port is the TCP port to listen on. 0 lets the OS assign an ephemeral
	// port, which Adapter.Addr() then reports back — used by tests that
	// need a free port without racing FindFreePort-style helpers.
	Port int `mapstructure:"port" validate:"gte=0,lt=65536"`

	// MaxConnections limits concurrent client connections. 0 means
	// unlimited.
	MaxConnections int `mapstructure:"max_connections" validate:"gte=0"`

	// ShutdownTimeout bounds how long Serve waits for in-flight connections
	// once shutdown begins. When it expires Serve returns an error; the
	// adapter does not close the remaining connections itself.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// Newstyle selects the fixed-newstyle handshake over the legacy
	// old-style one.
	Newstyle bool `mapstructure:"newstyle"`

	// ReadOnly forces every export read-only regardless of what the backend
	// reports.
	ReadOnly bool `mapstructure:"read_only"`

	// TLSPolicy is the server-side TLS requirement: off, optional, or
	// required.
	TLSPolicy wire.TLSPolicy `mapstructure:"tls_policy"`

	// TLSConfig is used for the in-band STARTTLS upgrade. Under TLSOff, nil
	// makes STARTTLS get ERR_UNSUP rather than ERR_POLICY. Under TLSOn or
	// TLSRequired a nil TLSConfig is not rejected here; STARTTLS is then
	// acknowledged and its TLS handshake fails, ending the connection.
	TLSConfig *tls.Config `mapstructure:"-"`

	// ExportName is the single fixed export this server advertises.
	ExportName string `mapstructure:"export_name" validate:"required"`
}
