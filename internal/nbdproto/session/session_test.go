package session

import (
	"context"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lfany/nbdkit-go/internal/nbdproto/diag"
	"github.com/lfany/nbdkit-go/internal/nbdproto/transport"
	"github.com/lfany/nbdkit-go/internal/nbdproto/wire"
	"github.com/lfany/nbdkit-go/pkg/backend/memory"
)

func TestOpenAndCloseTracksBackendLifecycle(t *testing.T) {
	ctx := context.Background()
	client, server := net.Pipe()
	defer client.Close()

	be := memory.New(1024, false)
	sess := New(Config{ExportName: "disk0"}, server, be, diag.New())

	require.NoError(t, sess.Open(ctx))
	sess.Close(ctx) // must not panic, backend.Close should run since Open succeeded
}

func TestReaderWriterSurviveTransportSwap(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	be := memory.New(1024, false)
	sess := New(Config{TLSPolicy: wire.TLSOff}, server, be, diag.New())
	reader := sess.Reader()

	client2, server2 := net.Pipe()
	defer client2.Close()
	defer server2.Close()
	sess.Transport = transport.NewRaw(server2)

	go func() {
		_, _ = client2.Write([]byte("ping"))
	}()
	buf := make([]byte, 4)
	_, err := io.ReadFull(reader, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestCloseWithoutOpenSkipsBackendClose(t *testing.T) {
	ctx := context.Background()
	client, server := net.Pipe()
	defer client.Close()

	be := memory.New(1024, false)
	sess := New(Config{}, server, be, diag.New())

	assert.NotPanics(t, func() { sess.Close(ctx) })
}
