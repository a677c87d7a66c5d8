package memory

import (
	"context"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteThenReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := New(1<<20, false)
	require.NoError(t, b.Open(ctx, false))

	payload := []byte("round trip payload")
	require.NoError(t, b.Pwrite(ctx, payload, 100))

	buf := make([]byte, len(payload))
	require.NoError(t, b.Pread(ctx, buf, 100))
	assert.Equal(t, payload, buf)
}

func TestReadOnlyRejectsWrite(t *testing.T) {
	ctx := context.Background()
	b := New(1<<20, false)
	require.NoError(t, b.Open(ctx, true))

	err := b.Pwrite(ctx, []byte{1, 2, 3}, 0)
	assert.ErrorIs(t, err, syscall.EROFS)

	canWrite, err := b.CanWrite(ctx)
	require.NoError(t, err)
	assert.False(t, canWrite)
}

func TestOutOfRangeAccessFails(t *testing.T) {
	ctx := context.Background()
	b := New(1024, false)
	require.NoError(t, b.Open(ctx, false))

	err := b.Pread(ctx, make([]byte, 10), 1020)
	assert.ErrorIs(t, err, syscall.EINVAL)
}

func TestZeroClearsRange(t *testing.T) {
	ctx := context.Background()
	b := New(1024, false)
	require.NoError(t, b.Open(ctx, false))
	require.NoError(t, b.Pwrite(ctx, []byte{1, 2, 3, 4}, 0))

	require.NoError(t, b.Zero(ctx, 4, 0, true))

	buf := make([]byte, 4)
	require.NoError(t, b.Pread(ctx, buf, 0))
	assert.Equal(t, []byte{0, 0, 0, 0}, buf)
}
