package nbd

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lfany/nbdkit-go/internal/nbdproto/wire"
	"github.com/lfany/nbdkit-go/pkg/backend/memory"
)

func startTestAdapter(t *testing.T, cfg Config) (*Adapter, func()) {
	t.Helper()
	cfg.Port = 0
	cfg.ShutdownTimeout = 2 * time.Second
	if cfg.ExportName == "" {
		cfg.ExportName = "disk0"
	}

	be := memory.New(1<<20, false)
	adapter, err := NewAdapter(cfg, be, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- adapter.Serve(ctx) }()

	addr := adapter.Addr()
	require.NotEmpty(t, addr)

	return adapter, func() {
		cancel()
		<-done
	}
}

// TestAdapter_NewStyleHandshakeAndRead exercises a real TCP connection
// end to end: new-style handshake, EXPORT_NAME, then a READ.
func TestAdapter_NewStyleHandshakeAndRead(t *testing.T) {
	adapter, stop := startTestAdapter(t, Config{Newstyle: true, ReadOnly: true})
	defer stop()

	conn, err := net.Dial("tcp", adapter.Addr())
	require.NoError(t, err)
	defer conn.Close()

	hdr := make([]byte, 8+8+2)
	require.NoError(t, readFullTCP(conn, hdr))
	assert.Equal(t, wire.NBDMagic, binary.BigEndian.Uint64(hdr[0:8]))
	assert.Equal(t, wire.NewVersion, binary.BigEndian.Uint64(hdr[8:16]))
	gflags := binary.BigEndian.Uint16(hdr[16:18])
	assert.Equal(t, wire.FlagFixedNewstyle|wire.FlagNoZeroes, gflags)

	_, err = conn.Write([]byte{0, 0, 0, byte(wire.FlagFixedNewstyle)})
	require.NoError(t, err)

	opt := make([]byte, 16)
	binary.BigEndian.PutUint64(opt[0:8], wire.NewVersion)
	binary.BigEndian.PutUint32(opt[8:12], wire.OptExportName)
	binary.BigEndian.PutUint32(opt[12:16], 0)
	_, err = conn.Write(opt)
	require.NoError(t, err)

	finish := make([]byte, 8+2+124)
	require.NoError(t, readFullTCP(conn, finish))
	assert.Equal(t, uint64(1<<20), binary.BigEndian.Uint64(finish[0:8]))
	eflags := binary.BigEndian.Uint16(finish[8:10])
	assert.NotZero(t, eflags&wire.FlagHasFlags)
	assert.NotZero(t, eflags&wire.FlagReadOnly)

	req := make([]byte, 28)
	binary.BigEndian.PutUint32(req[0:4], wire.RequestMagic)
	binary.BigEndian.PutUint32(req[4:8], wire.CmdRead)
	binary.BigEndian.PutUint64(req[8:16], 42)
	binary.BigEndian.PutUint64(req[16:24], 0)
	binary.BigEndian.PutUint32(req[24:28], 512)
	_, err = conn.Write(req)
	require.NoError(t, err)

	reply := make([]byte, 16)
	require.NoError(t, readFullTCP(conn, reply))
	assert.Equal(t, wire.ReplyMagic, binary.BigEndian.Uint32(reply[0:4]))
	assert.Equal(t, uint32(0), binary.BigEndian.Uint32(reply[4:8]))
	assert.Equal(t, uint64(42), binary.BigEndian.Uint64(reply[8:16]))

	payload := make([]byte, 512)
	require.NoError(t, readFullTCP(conn, payload))

	disc := make([]byte, 28)
	binary.BigEndian.PutUint32(disc[0:4], wire.RequestMagic)
	binary.BigEndian.PutUint32(disc[4:8], wire.CmdDisc)
	_, err = conn.Write(disc)
	require.NoError(t, err)
}

// TestAdapter_OldStyleRejectedUnderRequiredTLS verifies that under a
// required TLS policy, an old-style handshake attempt gets the connection
// closed without any handshake bytes sent.
func TestAdapter_OldStyleRejectedUnderRequiredTLS(t *testing.T) {
	adapter, stop := startTestAdapter(t, Config{Newstyle: false, TLSPolicy: wire.TLSRequired})
	defer stop()

	conn, err := net.Dial("tcp", adapter.Addr())
	require.NoError(t, err)
	defer conn.Close()

	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	assert.Equal(t, io.EOF, err)
}

func readFullTCP(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}
