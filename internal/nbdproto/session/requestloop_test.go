package session

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lfany/nbdkit-go/internal/nbdproto/diag"
	"github.com/lfany/nbdkit-go/internal/nbdproto/wire"
	"github.com/lfany/nbdkit-go/internal/nbdproto/wireerr"
	"github.com/lfany/nbdkit-go/pkg/backend/memory"
)

func writeRequestFrame(w io.Writer, cmd, flags uint32, handle, offset uint64, count uint32) error {
	buf := make([]byte, 28)
	binary.BigEndian.PutUint32(buf[0:4], wire.RequestMagic)
	binary.BigEndian.PutUint32(buf[4:8], cmd|flags)
	binary.BigEndian.PutUint64(buf[8:16], handle)
	binary.BigEndian.PutUint64(buf[16:24], offset)
	binary.BigEndian.PutUint32(buf[24:28], count)
	_, err := w.Write(buf)
	return err
}

func readReplyHeader(r io.Reader) (wireErr uint32, handle uint64, err error) {
	buf := make([]byte, 16)
	if _, err = io.ReadFull(r, buf); err != nil {
		return
	}
	wireErr = binary.BigEndian.Uint32(buf[4:8])
	handle = binary.BigEndian.Uint64(buf[8:16])
	return
}

func newTestSession(t *testing.T, exportSize uint64, readOnly bool) (*Session, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })

	be := memory.New(int64(exportSize), false)
	require.NoError(t, be.Open(context.Background(), readOnly))

	sess := New(Config{ExportName: "disk0"}, server, be, diag.New())
	sess.ExportSize = exportSize
	sess.ReadOnly = readOnly
	sess.CanFlush = true
	sess.CanTrim = !readOnly
	return sess, client
}

func TestRequestLoop_SimpleRead(t *testing.T) {
	sess, client := newTestSession(t, 1<<20, true)
	errCh := make(chan error, 1)
	go func() { errCh <- Run(context.Background(), sess, nil) }()

	require.NoError(t, writeRequestFrame(client, wire.CmdRead, 0, 42, 0, 512))
	wireErr, handle, err := readReplyHeader(client)
	require.NoError(t, err)
	assert.Equal(t, wireerr.Success, wireErr)
	assert.Equal(t, uint64(42), handle)

	payload := make([]byte, 512)
	_, err = io.ReadFull(client, payload)
	require.NoError(t, err)

	require.NoError(t, writeRequestFrame(client, wire.CmdDisc, 0, 0, 0, 0))
	require.NoError(t, <-errCh)
}

func TestRequestLoop_WriteToReadOnlyDrainsAndRepliesEPERM(t *testing.T) {
	sess, client := newTestSession(t, 1<<20, true)
	errCh := make(chan error, 1)
	go func() { errCh <- Run(context.Background(), sess, nil) }()

	require.NoError(t, writeRequestFrame(client, wire.CmdWrite, 0, 7, 0, 4))
	_, err := client.Write([]byte{0, 0, 0, 0})
	require.NoError(t, err)

	wireErr, handle, err := readReplyHeader(client)
	require.NoError(t, err)
	assert.Equal(t, wireerr.EPERM, wireErr)
	assert.Equal(t, uint64(7), handle)

	require.NoError(t, writeRequestFrame(client, wire.CmdDisc, 0, 0, 0, 0))
	require.NoError(t, <-errCh)
}

func TestRequestLoop_OverLargeReadRepliesENOMEM(t *testing.T) {
	sess, client := newTestSession(t, 1<<30, true)
	errCh := make(chan error, 1)
	go func() { errCh <- Run(context.Background(), sess, nil) }()

	require.NoError(t, writeRequestFrame(client, wire.CmdRead, 0, 9, 0, 67_108_865))
	wireErr, handle, err := readReplyHeader(client)
	require.NoError(t, err)
	assert.Equal(t, wireerr.ENOMEM, wireErr)
	assert.Equal(t, uint64(9), handle)

	require.NoError(t, writeRequestFrame(client, wire.CmdDisc, 0, 0, 0, 0))
	require.NoError(t, <-errCh)
}

func TestRequestLoop_DiscEndsLoopGracefully(t *testing.T) {
	sess, client := newTestSession(t, 1<<20, true)
	errCh := make(chan error, 1)
	go func() { errCh <- Run(context.Background(), sess, nil) }()

	require.NoError(t, writeRequestFrame(client, wire.CmdDisc, 0, 0, 0, 0))
	assert.NoError(t, <-errCh)
}

func TestRequestLoop_ClientDisconnectIsGraceful(t *testing.T) {
	sess, client := newTestSession(t, 1<<20, true)
	errCh := make(chan error, 1)
	go func() { errCh <- Run(context.Background(), sess, nil) }()

	client.Close()
	assert.NoError(t, <-errCh)
}

func TestRequestLoop_QuitFlagEndsLoop(t *testing.T) {
	sess, client := newTestSession(t, 1<<20, true)
	defer client.Close()

	var quit atomic.Bool
	quit.Store(true)
	assert.NoError(t, Run(context.Background(), sess, &quit))
}

func TestRequestLoop_UnknownCommandIsEINVALNotCrash(t *testing.T) {
	sess, client := newTestSession(t, 1<<20, true)
	errCh := make(chan error, 1)
	go func() { errCh <- Run(context.Background(), sess, nil) }()

	require.NoError(t, writeRequestFrame(client, 99, 0, 3, 0, 0))
	wireErr, handle, err := readReplyHeader(client)
	require.NoError(t, err)
	assert.Equal(t, wireerr.EINVAL, wireErr)
	assert.Equal(t, uint64(3), handle)

	require.NoError(t, writeRequestFrame(client, wire.CmdDisc, 0, 0, 0, 0))
	require.NoError(t, <-errCh)
}
