// Package wire defines the NBD fixed-newstyle wire protocol constants and
// frame structs, plus their big-endian encode/decode helpers.
//
// All integers on the wire are big-endian, per the upstream NBD protocol
// document. Frame layouts follow the original nbdkit connections.c exactly;
// the struct field order in this file matches the byte order on the wire.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Handshake magic values.
const (
	NBDMagic      uint64 = 0x4e42444d41474943 // "NBDMAGIC"
	OldVersion    uint64 = 0x0000420281861253
	NewVersion    uint64 = 0x49484156454f5054 // "IHAVEOPT"
	OptionReplyMagic uint64 = 0x3e889045565a9
)

// Request/reply magic values.
const (
	RequestMagic uint32 = 0x25609513
	ReplyMagic   uint32 = 0x67446698
)

// Global flags (handshake header).
const (
	FlagFixedNewstyle uint16 = 1 << 0
	FlagNoZeroes      uint16 = 1 << 1
)

// Export flags (eflags).
const (
	FlagHasFlags        uint16 = 1 << 0
	FlagReadOnly        uint16 = 1 << 1
	FlagSendFlush       uint16 = 1 << 2
	FlagSendFUA         uint16 = 1 << 3
	FlagRotational      uint16 = 1 << 4
	FlagSendTrim        uint16 = 1 << 5
	FlagSendWriteZeroes uint16 = 1 << 6
)

// Command numbers (low bits of the request type word).
const (
	CmdRead         uint32 = 0
	CmdWrite        uint32 = 1
	CmdDisc         uint32 = 2
	CmdFlush        uint32 = 3
	CmdTrim         uint32 = 4
	CmdWriteZeroes  uint32 = 6
	CommandMask     uint32 = 0x0000ffff
)

// Command flag bits (high bits of the request type word).
const (
	CmdFlagFUA    uint32 = 1 << 16
	CmdFlagNoHole uint32 = 1 << 17
)

// Option codes sent by the client during the option phase.
const (
	OptExportName uint32 = 1
	OptAbort      uint32 = 2
	OptList       uint32 = 3
	OptStartTLS   uint32 = 5
)

// Option reply codes sent by the server.
const (
	ReplyAck        uint32 = 1
	ReplyServer     uint32 = 2
	ReplyErrUnsup   uint32 = 1<<31 | 1
	ReplyErrPolicy  uint32 = 1<<31 | 2
	ReplyErrInvalid uint32 = 1<<31 | 3
	ReplyErrTLSReqd uint32 = 1<<31 | 5
)

// Negotiation limits.
const (
	MaxOptions       = 32
	MaxOptionLength  = 4096
	MaxRequestSize   = 64 << 20 // 64 MiB
	zeroPadSize      = 124
)

// TLSPolicy controls whether STARTTLS is offered, allowed, or mandatory.
type TLSPolicy int

const (
	TLSOff TLSPolicy = iota
	TLSOn
	TLSRequired
)

// OldHandshake is the fixed legacy handshake frame: magic + OLD version +
// exportsize + eflags + gflags + a 124-byte zero pad.
type OldHandshake struct {
	ExportSize uint64
	EFlags     uint16
	GFlags     uint16
}

// WriteOldHandshake writes the full legacy handshake frame to w.
func WriteOldHandshake(w io.Writer, h OldHandshake) error {
	buf := make([]byte, 8+8+8+2+2+zeroPadSize)
	binary.BigEndian.PutUint64(buf[0:8], NBDMagic)
	binary.BigEndian.PutUint64(buf[8:16], OldVersion)
	binary.BigEndian.PutUint64(buf[16:24], h.ExportSize)
	binary.BigEndian.PutUint16(buf[24:26], h.EFlags)
	binary.BigEndian.PutUint16(buf[26:28], h.GFlags)
	_, err := w.Write(buf)
	return err
}

// WriteNewHandshakeHeader writes magic + NEW version + global flags.
func WriteNewHandshakeHeader(w io.Writer, gflags uint16) error {
	buf := make([]byte, 8+8+2)
	binary.BigEndian.PutUint64(buf[0:8], NBDMagic)
	binary.BigEndian.PutUint64(buf[8:16], NewVersion)
	binary.BigEndian.PutUint16(buf[16:18], gflags)
	_, err := w.Write(buf)
	return err
}

// ReadClientFlags reads the client flags word sent right after the server's
// new-style handshake header.
func ReadClientFlags(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// OptionHeader is the fixed portion of a NewOption frame: version(8) +
// option(4) + optlen(4). The payload (optlen bytes) follows separately.
type OptionHeader struct {
	Option uint32
	Length uint32
}

// ReadOptionHeader reads and validates the version magic and option header.
func ReadOptionHeader(r io.Reader) (OptionHeader, error) {
	var buf [16]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return OptionHeader{}, err
	}
	version := binary.BigEndian.Uint64(buf[0:8])
	if version != NewVersion {
		return OptionHeader{}, fmt.Errorf("wire: bad option magic %#x", version)
	}
	return OptionHeader{
		Option: binary.BigEndian.Uint32(buf[8:12]),
		Length: binary.BigEndian.Uint32(buf[12:16]),
	}, nil
}

// WriteOptionReply writes magic + option + reply + replylen + payload.
func WriteOptionReply(w io.Writer, option, reply uint32, payload []byte) error {
	buf := make([]byte, 8+4+4+4)
	binary.BigEndian.PutUint64(buf[0:8], OptionReplyMagic)
	binary.BigEndian.PutUint32(buf[8:12], option)
	binary.BigEndian.PutUint32(buf[12:16], reply)
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(payload)))
	if _, err := w.Write(buf); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// WriteHandshakeFinish writes exportsize + eflags, and the 124-byte zero pad
// unless the client negotiated NO_ZEROES.
func WriteHandshakeFinish(w io.Writer, exportSize uint64, eflags uint16, noZeroes bool) error {
	size := 8 + 2
	if !noZeroes {
		size += zeroPadSize
	}
	buf := make([]byte, size)
	binary.BigEndian.PutUint64(buf[0:8], exportSize)
	binary.BigEndian.PutUint16(buf[8:10], eflags)
	_, err := w.Write(buf)
	return err
}

// Request is a parsed NBD_REQUEST_MAGIC frame.
type Request struct {
	Command uint32
	Flags   uint32
	Handle  uint64
	Offset  uint64
	Count   uint32
}

const requestWireSize = 4 + 4 + 8 + 8 + 4

// ReadRequest reads and parses a request frame. The caller is responsible
// for distinguishing a clean EOF (zero bytes read before any byte consumed)
// from a framing error (EOF after partial progress) — see transport.Recv.
func ReadRequest(r io.Reader) (Request, error) {
	buf := make([]byte, requestWireSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Request{}, err
	}
	magic := binary.BigEndian.Uint32(buf[0:4])
	if magic != RequestMagic {
		return Request{}, fmt.Errorf("wire: bad request magic %#x", magic)
	}
	typ := binary.BigEndian.Uint32(buf[4:8])
	return Request{
		Command: typ & CommandMask,
		Flags:   typ &^ CommandMask,
		Handle:  binary.BigEndian.Uint64(buf[8:16]),
		Offset:  binary.BigEndian.Uint64(buf[16:24]),
		Count:   binary.BigEndian.Uint32(buf[24:28]),
	}, nil
}

// WriteReplyHeader writes magic + error + echoed handle. The caller writes
// any data payload (for a successful READ) separately, after this header.
func WriteReplyHeader(w io.Writer, wireErr uint32, handle uint64) error {
	buf := make([]byte, 4+4+8)
	binary.BigEndian.PutUint32(buf[0:4], ReplyMagic)
	binary.BigEndian.PutUint32(buf[4:8], wireErr)
	binary.BigEndian.PutUint64(buf[8:16], handle)
	_, err := w.Write(buf)
	return err
}

// CommandName returns a human-readable command name for logging.
func CommandName(cmd uint32) string {
	switch cmd {
	case CmdRead:
		return "READ"
	case CmdWrite:
		return "WRITE"
	case CmdDisc:
		return "DISC"
	case CmdFlush:
		return "FLUSH"
	case CmdTrim:
		return "TRIM"
	case CmdWriteZeroes:
		return "WRITE_ZEROES"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", cmd)
	}
}

// OptionName returns a human-readable option name for logging.
func OptionName(opt uint32) string {
	switch opt {
	case OptExportName:
		return "EXPORT_NAME"
	case OptAbort:
		return "ABORT"
	case OptList:
		return "LIST"
	case OptStartTLS:
		return "STARTTLS"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", opt)
	}
}
