// Package transport implements the byte-stream read/send/close surface a
// Session talks to, and the in-band TLS upgrade that replaces it mid-stream.
//
// This is the Go translation of the original nbdkit connections.c function
// pointer swap (connection_set_recv/send/close): instead of installing new
// function pointers on a struct connection, a Session holds a Transport
// interface value and replaces it wholesale after a successful STARTTLS.
package transport

import (
	"errors"
	"io"
	"net"
)

// ErrFraming reports a zero-byte read after partial progress: the original
// raw_recv in connections.c treats this as a corrupted message rather than
// a clean disconnect.
var ErrFraming = errors.New("transport: connection closed mid-frame")

// Transport is the byte-stream surface a Session uses for all I/O. There
// are two implementations: Raw (wraps a net.Conn directly) and the TLS
// variant returned by UpgradeServer, which wraps the negotiated
// *tls.Conn over the same underlying socket.
type Transport interface {
	// Recv reads exactly len(buf) bytes, retrying on short reads. Returns
	// io.EOF only if zero bytes were read before any byte of this call was
	// consumed. Any later EOF is reported as ErrFraming.
	Recv(buf []byte) error

	// Send writes the full buffer, retrying on short writes.
	Send(buf []byte) error

	// Drain reads and discards exactly n bytes, to keep the stream aligned
	// when a request's payload must be skipped rather than processed. This
	// is the Go equivalent of skip_over_write_buffer in connections.c.
	Drain(n int) error

	// Close closes the underlying connection. Errors are ignored: there is
	// no in-band channel left to report them on once the session is torn
	// down.
	Close()
}

// Raw is the unencrypted Transport backed directly by a net.Conn.
type Raw struct {
	conn net.Conn
}

// NewRaw wraps conn in a raw Transport.
func NewRaw(conn net.Conn) *Raw {
	return &Raw{conn: conn}
}

// Conn returns the underlying connection, for handing off to a TLS upgrade.
func (r *Raw) Conn() net.Conn { return r.conn }

func (r *Raw) Recv(buf []byte) error {
	return recvFull(r.conn, buf)
}

func (r *Raw) Send(buf []byte) error {
	return sendFull(r.conn, buf)
}

func (r *Raw) Drain(n int) error {
	return drain(r.conn, n)
}

func (r *Raw) Close() {
	_ = r.conn.Close()
}

// recvFull reads until len(buf) bytes are consumed or a clean EOF occurs
// before any byte of this call was read. A short read after partial
// progress is retried transparently; a zero-byte read after partial
// progress is a framing error.
func recvFull(r io.Reader, buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if n > 0 {
			continue
		}
		if err == nil {
			continue
		}
		if err == io.EOF {
			if total == 0 {
				return io.EOF
			}
			return ErrFraming
		}
		if isRetryable(err) {
			continue
		}
		return err
	}
	return nil
}

// sendFull writes the full buffer, retrying on short writes and transient
// interruptions.
func sendFull(w io.Writer, buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := w.Write(buf[total:])
		total += n
		if err != nil {
			if isRetryable(err) {
				continue
			}
			return err
		}
	}
	return nil
}

// drain reads and discards n bytes using a scratch buffer, in a loop, the
// same shape as skip_over_write_buffer in the original C source.
func drain(r io.Reader, n int) error {
	const scratchSize = 64 << 10
	scratch := make([]byte, scratchSize)
	remaining := n
	for remaining > 0 {
		chunk := remaining
		if chunk > scratchSize {
			chunk = scratchSize
		}
		if err := recvFull(r, scratch[:chunk]); err != nil {
			return err
		}
		remaining -= chunk
	}
	return nil
}

// IOProxy adapts a Transport to io.Reader/io.Writer for use with the frame
// encode/decode helpers in the wire package. It re-reads t.Transport on
// every call rather than capturing it once, so callers can swap the
// underlying Transport (as happens on a STARTTLS upgrade) without needing
// to rebuild the adapter.
type IOProxy struct {
	Transport Transport
}

func (p IOProxy) Read(buf []byte) (int, error) {
	if err := p.Transport.Recv(buf); err != nil {
		return 0, err
	}
	return len(buf), nil
}

func (p IOProxy) Write(buf []byte) (int, error) {
	if err := p.Transport.Send(buf); err != nil {
		return 0, err
	}
	return len(buf), nil
}

// isRetryable reports whether err represents a transient condition (the Go
// equivalent of EINTR/EAGAIN) that a blocking read/write should retry
// rather than surface to the caller. net.Conn operations in Go do not
// surface EINTR to user code the way raw POSIX syscalls do, so in practice
// this only matters for custom io.Reader/io.Writer wrappers used in tests;
// it is kept here so the retry contract documented on Transport holds for
// any implementation, not just net.Conn-backed ones.
func isRetryable(err error) bool {
	type temporary interface{ Temporary() bool }
	var t temporary
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return false
}
