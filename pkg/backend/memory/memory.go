// Package memory provides a reference in-memory Backend implementation,
// used by the connection core's tests and by the example cmd/nbdkit-go
// binary. It is not meant for production use: the exported disk lives
// entirely in process memory and is lost on restart.
package memory

import (
	"context"
	"sync"
	"syscall"

	"github.com/lfany/nbdkit-go/pkg/backend"
)

// Backend is a fixed-size in-memory block device.
type Backend struct {
	mu         sync.RWMutex
	data       []byte
	readonly   bool
	rotational bool
	opened     bool
}

// New creates a Backend exporting a zero-filled disk of the given size.
func New(size int64, rotational bool) *Backend {
	return &Backend{
		data:       make([]byte, size),
		rotational: rotational,
	}
}

var _ backend.Backend = (*Backend)(nil)

func (b *Backend) Open(ctx context.Context, readonly bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readonly = readonly
	b.opened = true
	return nil
}

func (b *Backend) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opened = false
	return nil
}

// ConnectionLockMode reports LockOpenOnly: this backend is safe for
// concurrent use by multiple sessions because every method takes its own
// mutex around the shared buffer.
func (b *Backend) ConnectionLockMode() backend.LockMode {
	return backend.LockOpenOnly
}

// ErrnoIsPreserved reports true: every error this backend returns is
// already a syscall.Errno, so the core can trust it directly rather than
// coarsening unconditionally to EIO.
func (b *Backend) ErrnoIsPreserved() bool {
	return true
}

func (b *Backend) Size(ctx context.Context) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int64(len(b.data)), nil
}

func (b *Backend) CanWrite(ctx context.Context) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.readonly, nil
}

func (b *Backend) CanFlush(ctx context.Context) (bool, error) {
	return true, nil
}

func (b *Backend) CanTrim(ctx context.Context) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.readonly, nil
}

func (b *Backend) IsRotational(ctx context.Context) (bool, error) {
	return b.rotational, nil
}

func (b *Backend) Pread(ctx context.Context, buf []byte, offset uint64) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if offset+uint64(len(buf)) > uint64(len(b.data)) {
		return syscall.EINVAL
	}
	copy(buf, b.data[offset:offset+uint64(len(buf))])
	return nil
}

func (b *Backend) Pwrite(ctx context.Context, buf []byte, offset uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.readonly {
		return syscall.EROFS
	}
	if offset+uint64(len(buf)) > uint64(len(b.data)) {
		return syscall.EINVAL
	}
	copy(b.data[offset:offset+uint64(len(buf))], buf)
	return nil
}

func (b *Backend) Flush(ctx context.Context) error {
	return nil
}

func (b *Backend) Trim(ctx context.Context, count uint32, offset uint64) error {
	return b.Zero(ctx, count, offset, true)
}

func (b *Backend) Zero(ctx context.Context, count uint32, offset uint64, mayTrim bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.readonly {
		return syscall.EROFS
	}
	end := offset + uint64(count)
	if end > uint64(len(b.data)) {
		return syscall.EINVAL
	}
	clear(b.data[offset:end])
	return nil
}
