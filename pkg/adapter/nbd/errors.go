package nbd

import (
	"fmt"

	"github.com/lfany/nbdkit-go/internal/nbdproto/wireerr"
)

// WireError adapts a backend or connection-core failure into the wire error
// vocabulary, exposing the mapped NBD errno-class code (Code/Message)
// alongside the underlying error (Unwrap) for logging.
type WireError struct {
	code int
	err  error
}

// NewWireError wraps err with its mapped wire error code.
func NewWireError(err error) *WireError {
	return &WireError{code: int(wireerr.FromError(err)), err: err}
}

func (e *WireError) Code() uint32 {
	return uint32(e.code)
}

func (e *WireError) Message() string {
	return wireerr.Name(uint32(e.code))
}

func (e *WireError) Error() string {
	return fmt.Sprintf("%s: %s", wireerr.Name(uint32(e.code)), e.err)
}

func (e *WireError) Unwrap() error {
	return e.err
}
