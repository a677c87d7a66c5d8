package wireerr

import (
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromErrnoTable(t *testing.T) {
	cases := []struct {
		in   syscall.Errno
		want uint32
	}{
		{0, Success},
		{syscall.EROFS, EPERM},
		{syscall.EPERM, EPERM},
		{syscall.EIO, EIO},
		{syscall.ENOMEM, ENOMEM},
		{syscall.EDQUOT, ENOSPC},
		{syscall.EFBIG, ENOSPC},
		{syscall.ENOSPC, ENOSPC},
		{syscall.ESHUTDOWN, ESHUTDOWN},
		{syscall.EINVAL, EINVAL},
		{syscall.ENOENT, EINVAL}, // anything else falls back to EINVAL
	}

	for _, c := range cases {
		t.Run(fmt.Sprintf("errno_%d", c.in), func(t *testing.T) {
			assert.Equal(t, c.want, FromErrno(c.in))
		})
	}
}

func TestFromErrorFallsBackToEIO(t *testing.T) {
	assert.Equal(t, EIO, FromError(assertErr("boom")))
}

func TestFromErrorNilIsSuccess(t *testing.T) {
	assert.Equal(t, Success, FromError(nil))
}

func TestFromErrorUnwrapsErrno(t *testing.T) {
	wrapped := fmt.Errorf("pwrite: %w", syscall.ENOSPC)
	assert.Equal(t, ENOSPC, FromError(wrapped))
}

type plainError string

func (e plainError) Error() string { return string(e) }

func assertErr(msg string) error { return plainError(msg) }
