package transport

import (
	"context"
	"crypto/tls"

	"github.com/lfany/nbdkit-go/internal/logger"
)

// TLSTransport is the Transport variant installed after a successful
// in-band STARTTLS upgrade. It wraps a *tls.Conn established on the same
// underlying socket the Raw transport was using; the raw variant is never
// reachable again for that Session once this replaces it.
type TLSTransport struct {
	conn *tls.Conn
}

// UpgradeServer performs a server-side TLS handshake over the connection
// underlying raw and returns the Transport that replaces it. The caller
// must discard raw after this returns successfully: once a Session goes TLS
// it stays TLS for the rest of its life, and the raw variant must not be
// used again.
func UpgradeServer(ctx context.Context, raw *Raw, cfg *tls.Config) (*TLSTransport, error) {
	tlsConn := tls.Server(raw.Conn(), cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		logger.WarnCtx(ctx, "TLS handshake failed", logger.KeyError, err.Error())
		return nil, err
	}
	logger.DebugCtx(ctx, "TLS handshake complete")
	return &TLSTransport{conn: tlsConn}, nil
}

func (t *TLSTransport) Recv(buf []byte) error {
	return recvFull(t.conn, buf)
}

func (t *TLSTransport) Send(buf []byte) error {
	return sendFull(t.conn, buf)
}

func (t *TLSTransport) Drain(n int) error {
	return drain(t.conn, n)
}

func (t *TLSTransport) Close() {
	_ = t.conn.Close()
}
