// Package handshake implements dialect negotiation, the new-style option
// phase, and the in-band STARTTLS upgrade, grounded on
// _negotiate_handshake_oldstyle, _negotiate_handshake_newstyle_options, and
// _negotiate_handshake_newstyle in nbdkit's connections.c.
package handshake

import (
	"context"
	"fmt"

	"github.com/lfany/nbdkit-go/internal/logger"
	"github.com/lfany/nbdkit-go/internal/nbdproto/session"
	"github.com/lfany/nbdkit-go/internal/nbdproto/transport"
	"github.com/lfany/nbdkit-go/internal/nbdproto/wire"
)

// Negotiate runs the handshake for sess, picking the old-style or new-style
// dialect per sess.Config.Newstyle. All handshake I/O happens under
// sess.RequestLock, serializing it against any late backend activity.
func Negotiate(ctx context.Context, sess *session.Session) error {
	sess.RequestLock.Lock()
	defer sess.RequestLock.Unlock()

	if sess.Config.Newstyle {
		return negotiateNewStyle(ctx, sess)
	}
	return negotiateOldStyle(ctx, sess)
}

func negotiateOldStyle(ctx context.Context, sess *session.Session) error {
	if sess.Config.TLSPolicy == wire.TLSRequired {
		logger.WarnCtx(ctx, "refusing old-style handshake, TLS is required")
		return fmt.Errorf("handshake: old-style negotiation cannot satisfy required TLS policy")
	}

	exportSize, eflags, err := computeExportParams(ctx, sess)
	if err != nil {
		return err
	}

	logger.DebugCtx(ctx, "sending old-style handshake",
		logger.KeyPhase, "handshake", "export_size", exportSize, "eflags", eflags)

	if err := wire.WriteOldHandshake(sess.Writer(), wire.OldHandshake{
		ExportSize: exportSize,
		EFlags:     eflags,
		GFlags:     0,
	}); err != nil {
		return err
	}

	freezeExportParams(sess, exportSize, eflags)
	return nil
}

func negotiateNewStyle(ctx context.Context, sess *session.Session) error {
	gflags := wire.FlagFixedNewstyle | wire.FlagNoZeroes
	if err := wire.WriteNewHandshakeHeader(sess.Writer(), gflags); err != nil {
		return err
	}

	clientFlags, err := wire.ReadClientFlags(sess.Reader())
	if err != nil {
		return err
	}
	if clientFlags&^uint32(gflags) != 0 {
		return fmt.Errorf("handshake: client flags %#x outside advertised global flags %#x", clientFlags, gflags)
	}
	noZeroes := clientFlags&uint32(wire.FlagNoZeroes) != 0

	exportRequested := false
	for i := 0; i < wire.MaxOptions && !exportRequested; i++ {
		hdr, err := wire.ReadOptionHeader(sess.Reader())
		if err != nil {
			return err
		}
		if hdr.Length > wire.MaxOptionLength {
			return fmt.Errorf("handshake: option %d length %d exceeds limit", hdr.Option, hdr.Length)
		}

		logger.DebugCtx(ctx, "option received", logger.KeyOption, wire.OptionName(hdr.Option))

		if sess.Config.TLSPolicy == wire.TLSRequired && !sess.TLSActive &&
			hdr.Option != wire.OptAbort && hdr.Option != wire.OptStartTLS {
			if err := sess.Transport.Drain(int(hdr.Length)); err != nil {
				return err
			}
			if err := wire.WriteOptionReply(sess.Writer(), hdr.Option, wire.ReplyErrTLSReqd, nil); err != nil {
				return err
			}
			recordOption(sess, hdr.Option, "tls_required")
			continue
		}

		switch hdr.Option {
		case wire.OptExportName:
			if err := sess.Transport.Drain(int(hdr.Length)); err != nil {
				return err
			}
			exportRequested = true
			recordOption(sess, hdr.Option, "accepted")

		case wire.OptAbort:
			if err := wire.WriteOptionReply(sess.Writer(), hdr.Option, wire.ReplyAck, nil); err != nil {
				return err
			}
			recordOption(sess, hdr.Option, "ack")
			return fmt.Errorf("handshake: client sent NBD_OPT_ABORT")

		case wire.OptList:
			if hdr.Length != 0 {
				if err := sess.Transport.Drain(int(hdr.Length)); err != nil {
					return err
				}
				if err := wire.WriteOptionReply(sess.Writer(), hdr.Option, wire.ReplyErrInvalid, nil); err != nil {
					return err
				}
				recordOption(sess, hdr.Option, "error")
				continue
			}
			if err := writeExportListReply(sess, hdr.Option); err != nil {
				return err
			}
			recordOption(sess, hdr.Option, "ack")

		case wire.OptStartTLS:
			if err := handleStartTLS(ctx, sess, hdr); err != nil {
				return err
			}

		default:
			if err := sess.Transport.Drain(int(hdr.Length)); err != nil {
				return err
			}
			if err := wire.WriteOptionReply(sess.Writer(), hdr.Option, wire.ReplyErrUnsup, nil); err != nil {
				return err
			}
			recordOption(sess, hdr.Option, "unsupported")
		}
	}

	if !exportRequested {
		return fmt.Errorf("handshake: exceeded option limit (%d) without NBD_OPT_EXPORT_NAME", wire.MaxOptions)
	}

	if sess.Config.TLSPolicy == wire.TLSRequired && !sess.TLSActive {
		return fmt.Errorf("handshake: required TLS policy not satisfied before NBD_OPT_EXPORT_NAME")
	}

	exportSize, eflags, err := computeExportParams(ctx, sess)
	if err != nil {
		return err
	}

	if err := wire.WriteHandshakeFinish(sess.Writer(), exportSize, eflags, noZeroes); err != nil {
		return err
	}

	freezeExportParams(sess, exportSize, eflags)
	return nil
}

// writeExportListReply sends the one SERVER reply naming the fixed export,
// followed by ACK, answering NBD_OPT_LIST on a single-export server.
func writeExportListReply(sess *session.Session, option uint32) error {
	name := []byte(sess.Config.ExportName)
	payload := make([]byte, 4+len(name))
	payload[0] = byte(len(name) >> 24)
	payload[1] = byte(len(name) >> 16)
	payload[2] = byte(len(name) >> 8)
	payload[3] = byte(len(name))
	copy(payload[4:], name)

	if err := wire.WriteOptionReply(sess.Writer(), option, wire.ReplyServer, payload); err != nil {
		return err
	}
	return wire.WriteOptionReply(sess.Writer(), option, wire.ReplyAck, nil)
}

// handleStartTLS implements NBD_OPT_STARTTLS: validate, reply ACK before
// upgrading, then perform the TLS handshake and swap the Session's
// Transport.
func handleStartTLS(ctx context.Context, sess *session.Session, hdr wire.OptionHeader) error {
	if hdr.Length != 0 {
		if err := sess.Transport.Drain(int(hdr.Length)); err != nil {
			return err
		}
		recordOption(sess, hdr.Option, "error")
		return wire.WriteOptionReply(sess.Writer(), hdr.Option, wire.ReplyErrInvalid, nil)
	}
	if sess.TLSActive {
		recordOption(sess, hdr.Option, "error")
		return wire.WriteOptionReply(sess.Writer(), hdr.Option, wire.ReplyErrInvalid, nil)
	}
	if sess.Config.TLSPolicy == wire.TLSOff {
		reply := wire.ReplyErrUnsup
		if sess.Config.TLSConfig != nil {
			reply = wire.ReplyErrPolicy
		}
		recordOption(sess, hdr.Option, "error")
		return wire.WriteOptionReply(sess.Writer(), hdr.Option, reply, nil)
	}

	raw, ok := sess.Transport.(*transport.Raw)
	if !ok {
		return fmt.Errorf("handshake: STARTTLS requested on a non-raw transport")
	}

	if err := wire.WriteOptionReply(sess.Writer(), hdr.Option, wire.ReplyAck, nil); err != nil {
		return err
	}

	tlsTransport, err := transport.UpgradeServer(ctx, raw, sess.Config.TLSConfig)
	if err != nil {
		recordOption(sess, hdr.Option, "error")
		return err
	}
	sess.Transport = tlsTransport
	sess.TLSActive = true
	recordOption(sess, hdr.Option, "ack")
	logger.InfoCtx(ctx, "connection upgraded to TLS")
	return nil
}

// computeExportParams queries the backend for size and capability flags
// and derives the export flags word, shared by both dialects.
func computeExportParams(ctx context.Context, sess *session.Session) (uint64, uint16, error) {
	size, err := sess.Backend.Size(ctx)
	if err != nil {
		return 0, 0, err
	}
	canWrite, err := sess.Backend.CanWrite(ctx)
	if err != nil {
		return 0, 0, err
	}
	canFlush, err := sess.Backend.CanFlush(ctx)
	if err != nil {
		return 0, 0, err
	}
	canTrim, err := sess.Backend.CanTrim(ctx)
	if err != nil {
		return 0, 0, err
	}
	rotational, err := sess.Backend.IsRotational(ctx)
	if err != nil {
		return 0, 0, err
	}

	readOnly := sess.Config.ReadOnly || !canWrite

	eflags := wire.FlagHasFlags
	if readOnly {
		eflags |= wire.FlagReadOnly
	} else {
		eflags |= wire.FlagSendWriteZeroes
	}
	if canFlush {
		eflags |= wire.FlagSendFlush | wire.FlagSendFUA
	}
	if rotational {
		eflags |= wire.FlagRotational
	}
	if canTrim {
		eflags |= wire.FlagSendTrim
	}

	return uint64(size), eflags, nil
}

// recordOption reports one option-phase outcome to sess.Metrics, a no-op
// when metrics collection is disabled.
func recordOption(sess *session.Session, option uint32, outcome string) {
	if sess.Metrics != nil {
		sess.Metrics.RecordOption(wire.OptionName(option), outcome)
	}
}

// freezeExportParams stores the negotiated export parameters on the
// Session; they never change again for the Session's lifetime.
func freezeExportParams(sess *session.Session, exportSize uint64, eflags uint16) {
	sess.ExportSize = exportSize
	sess.ReadOnly = eflags&wire.FlagReadOnly != 0
	sess.CanFlush = eflags&wire.FlagSendFlush != 0
	sess.CanTrim = eflags&wire.FlagSendTrim != 0
	sess.IsRotational = eflags&wire.FlagRotational != 0
}
