package session

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/lfany/nbdkit-go/internal/bufpool"
	"github.com/lfany/nbdkit-go/internal/logger"
	"github.com/lfany/nbdkit-go/internal/nbdproto/diag"
	"github.com/lfany/nbdkit-go/internal/nbdproto/wire"
	"github.com/lfany/nbdkit-go/internal/nbdproto/wireerr"
)

// allowedCmdFlags is the set of command flag bits a request may carry.
const allowedCmdFlags = wire.CmdFlagFUA | wire.CmdFlagNoHole

// Run executes the request loop for sess until the client disconnects
// gracefully, sends NBD_CMD_DISC, a fatal error occurs, or quit is set.
// Exactly one request is read, validated, dispatched, and replied to per
// iteration; commands are never pipelined on a single connection.
func Run(ctx context.Context, sess *Session, quit *atomic.Bool) error {
	for {
		if quit != nil && quit.Load() {
			logger.InfoCtx(ctx, "quit flag set, ending request loop")
			return nil
		}

		req, err := wire.ReadRequest(sess.Reader())
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.InfoCtx(ctx, "client disconnected")
				return nil
			}
			return err
		}

		if req.Command == wire.CmdDisc {
			logger.InfoCtx(ctx, "received NBD_CMD_DISC")
			return nil
		}

		if err := handleRequest(ctx, sess, req); err != nil {
			return err
		}
	}
}

// handleRequest runs one iteration of the request loop: validate, allocate,
// read payload, dispatch, and reply.
func handleRequest(ctx context.Context, sess *Session, req wire.Request) error {
	logger.DebugCtx(ctx, "request received",
		logger.KeyCommand, wire.CommandName(req.Command),
		logger.KeyHandle, req.Handle,
		logger.KeyOffset, req.Offset,
		logger.KeyLength, req.Count)

	start := time.Now()

	wireErrCode := validate(sess, req)

	var payload []byte
	needsPayload := req.Command == wire.CmdRead || req.Command == wire.CmdWrite

	if wireErrCode == wireerr.Success && needsPayload {
		payload = bufpool.Get(int(req.Count))
		defer bufpool.Put(payload)
	}

	if req.Command == wire.CmdWrite {
		if wireErrCode != wireerr.Success {
			// Validation rejected the write: still drain
			// count bytes so the stream stays aligned for the next
			// request.
			if err := sess.Transport.Drain(int(req.Count)); err != nil {
				return err
			}
		} else {
			if err := sess.Transport.Recv(payload); err != nil {
				// Partial or EOF mid-payload is fatal: framing is already
				// corrupted, so no reply is attempted.
				return err
			}
		}
	}

	if wireErrCode == wireerr.Success {
		wireErrCode = dispatch(ctx, sess, req, payload)
	}

	if sess.Metrics != nil {
		cmdName := wire.CommandName(req.Command)
		sess.Metrics.RecordCommand(cmdName, time.Since(start), wireerr.Name(wireErrCode))
		if wireErrCode == wireerr.Success && needsPayload {
			sess.Metrics.RecordBytesTransferred(cmdName, uint64(req.Count))
		}
	}

	return sendReply(ctx, sess, req, wireErrCode, payload)
}

// validate checks a request against its command's range, flag, capability,
// and read-only rules, returning the wire error to report (Success if none).
func validate(sess *Session, req wire.Request) uint32 {
	if req.Flags&^uint32(allowedCmdFlags) != 0 {
		return wireerr.EINVAL
	}
	if req.Flags&wire.CmdFlagNoHole != 0 && req.Command != wire.CmdWriteZeroes {
		return wireerr.EINVAL
	}

	switch req.Command {
	case wire.CmdRead, wire.CmdWrite:
		if req.Count > wire.MaxRequestSize {
			return wireerr.ENOMEM
		}
		if !validRange(req.Offset, uint64(req.Count), sess.ExportSize) {
			return wireerr.EIO
		}
	case wire.CmdTrim, wire.CmdWriteZeroes:
		if !validRange(req.Offset, uint64(req.Count), sess.ExportSize) {
			return wireerr.EIO
		}
	case wire.CmdFlush:
		if req.Offset != 0 || req.Count != 0 {
			return wireerr.EINVAL
		}
	default:
		return wireerr.EINVAL
	}

	isWriteClass := req.Command == wire.CmdWrite || req.Command == wire.CmdFlush ||
		req.Command == wire.CmdTrim || req.Command == wire.CmdWriteZeroes
	if isWriteClass && sess.ReadOnly {
		return wireerr.EPERM // EROFS maps to EPERM in the wire error enum
	}

	if req.Command == wire.CmdFlush && !sess.CanFlush {
		return wireerr.EINVAL
	}
	if req.Command == wire.CmdTrim && !sess.CanTrim {
		return wireerr.EINVAL
	}

	return wireerr.Success
}

// validRange reports whether [offset, offset+count) falls within
// [0, exportSize), guarding against overflow in offset+count.
func validRange(offset, count, exportSize uint64) bool {
	if count == 0 {
		return false
	}
	if offset > exportSize {
		return false
	}
	end := offset + count
	if end < offset { // overflow
		return false
	}
	return end <= exportSize
}

// dispatch clears the diagnostics override, invokes the backend operation
// under the request lock, resolves any failure through the error-resolution
// order, and performs a trailing flush when FUA was requested.
func dispatch(ctx context.Context, sess *Session, req wire.Request, payload []byte) uint32 {
	sess.RequestLock.Lock()
	defer sess.RequestLock.Unlock()

	sess.Diag.ClearError()
	// Carry the diagnostics record on ctx so a Backend implementation can
	// reach it via diag.FromContext and set a sticky error override (see
	// Backend.Pread and friends).
	ctx = diag.WithRecord(ctx, sess.Diag)

	var opErr error
	switch req.Command {
	case wire.CmdRead:
		opErr = sess.Backend.Pread(ctx, payload, req.Offset)
	case wire.CmdWrite:
		opErr = sess.Backend.Pwrite(ctx, payload, req.Offset)
	case wire.CmdFlush:
		opErr = sess.Backend.Flush(ctx)
	case wire.CmdTrim:
		opErr = sess.Backend.Trim(ctx, req.Count, req.Offset)
	case wire.CmdWriteZeroes:
		opErr = sess.Backend.Zero(ctx, req.Count, req.Offset, req.Flags&wire.CmdFlagNoHole == 0)
	}

	if opErr != nil {
		resolved := diag.ResolveError(sess.Diag, opErr, sess.Backend.ErrnoIsPreserved(), errEIO)
		logger.WarnCtx(ctx, "backend operation failed",
			logger.KeyCommand, wire.CommandName(req.Command), logger.KeyErrno, resolved.Error())
		return wireerr.FromError(resolved)
	}

	if req.Flags&wire.CmdFlagFUA != 0 && !sess.ReadOnly && sess.CanFlush {
		if err := sess.Backend.Flush(ctx); err != nil {
			resolved := diag.ResolveError(sess.Diag, err, sess.Backend.ErrnoIsPreserved(), errEIO)
			logger.WarnCtx(ctx, "FUA flush failed", logger.KeyErrno, resolved.Error())
			return wireerr.FromError(resolved)
		}
	}

	return wireerr.Success
}

var errEIO = errors.New("EIO")

// sendReply frames and sends the reply header, then — only for a
// successful READ — the data payload.
func sendReply(ctx context.Context, sess *Session, req wire.Request, wireErrCode uint32, payload []byte) error {
	if err := wire.WriteReplyHeader(sess.Writer(), wireErrCode, req.Handle); err != nil {
		return err
	}
	logger.DebugCtx(ctx, "reply sent",
		logger.KeyHandle, req.Handle, logger.KeyStatus, wireerr.Name(wireErrCode))

	if req.Command == wire.CmdRead && wireErrCode == wireerr.Success {
		return sess.Transport.Send(payload)
	}
	return nil
}
