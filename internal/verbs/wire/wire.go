// Package wire is the soft-verbs agent protocol: one fixed big-endian header
// per work request or response, followed by an op-specific payload.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	Magic          uint32 = 0x584C4F47 // "XLOG"
	Version        uint16 = 1
	FixedHeaderLen        = 40
	ConnectLen            = 26
	CASLen                = 16
	WordLen               = 8
)

// Op identifies the work request carried by a frame.
type Op uint8

const (
	OpConnect Op = iota + 1
	OpConnectAck
	OpWrite
	OpWriteAck
	OpRead
	OpReadResp
	OpCAS
	OpCASResp
)

func (o Op) String() string {
	switch o {
	case OpConnect:
		return "connect"
	case OpConnectAck:
		return "connect.ack"
	case OpWrite:
		return "write"
	case OpWriteAck:
		return "write.ack"
	case OpRead:
		return "read"
	case OpReadResp:
		return "read.resp"
	case OpCAS:
		return "cas"
	case OpCASResp:
		return "cas.resp"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Nak is the responder's verdict on a request.
type Nak uint8

const (
	NakNone Nak = iota
	NakRemoteAccess
	NakNotReady
	NakInvalidRequest
)

var (
	ErrShortHeader        = errors.New("wire: short fixed header")
	ErrInvalidMagic       = errors.New("wire: invalid magic")
	ErrUnsupportedVersion = errors.New("wire: unsupported version")
	ErrPayloadTooLarge    = errors.New("wire: payload too large")
	ErrInvalidPayload     = errors.New("wire: invalid payload")
)

// Header is the fixed wire header.
type Header struct {
	Magic      uint32
	Version    uint16
	Op         Op
	Nak        Nak
	WRID       uint64
	RKey       uint32
	Length     uint32
	RemoteAddr uint64
	PayloadLen uint32
}

// Frame is one complete agent message.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 16 * 1024 * 1024}
}

func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [FixedHeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if h.Magic != Magic {
		return Frame{}, ErrInvalidMagic
	}
	if h.Version != Version {
		return Frame{}, ErrUnsupportedVersion
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}

	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Header: h, Payload: payload}, nil
}

// WriteFrame stamps magic, version and payload length, then writes header and
// payload in a single call so concurrent writers never interleave.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	if uint64(len(f.Payload)) > uint64(limits.MaxPayloadBytes) {
		return ErrPayloadTooLarge
	}
	h := f.Header
	h.Magic = Magic
	h.Version = Version
	h.PayloadLen = uint32(len(f.Payload))

	buf := make([]byte, FixedHeaderLen+len(f.Payload))
	putHeader(buf[:FixedHeaderLen], h)
	copy(buf[FixedHeaderLen:], f.Payload)
	_, err := w.Write(buf)
	return err
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, FixedHeaderLen)
	putHeader(buf, h)
	return buf
}

func putHeader(buf []byte, h Header) {
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	buf[6] = byte(h.Op)
	buf[7] = byte(h.Nak)
	binary.BigEndian.PutUint64(buf[8:16], h.WRID)
	binary.BigEndian.PutUint32(buf[16:20], h.RKey)
	binary.BigEndian.PutUint32(buf[20:24], h.Length)
	binary.BigEndian.PutUint64(buf[24:32], h.RemoteAddr)
	binary.BigEndian.PutUint32(buf[32:36], h.PayloadLen)
	// [36:40) reserved
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != FixedHeaderLen {
		return Header{}, fmt.Errorf("wire: invalid fixed header length: %d", len(b))
	}
	return Header{
		Magic:      binary.BigEndian.Uint32(b[0:4]),
		Version:    binary.BigEndian.Uint16(b[4:6]),
		Op:         Op(b[6]),
		Nak:        Nak(b[7]),
		WRID:       binary.BigEndian.Uint64(b[8:16]),
		RKey:       binary.BigEndian.Uint32(b[16:20]),
		Length:     binary.BigEndian.Uint32(b[20:24]),
		RemoteAddr: binary.BigEndian.Uint64(b[24:32]),
		PayloadLen: binary.BigEndian.Uint32(b[32:36]),
	}, nil
}

// Connect binds a data connection to a destination endpoint.
type Connect struct {
	DstQPN  uint32
	SrcQPN  uint32
	SrcPort uint16
	SrcGID  [16]byte
}

func EncodeConnect(c Connect) []byte {
	buf := make([]byte, ConnectLen)
	binary.BigEndian.PutUint32(buf[0:4], c.DstQPN)
	binary.BigEndian.PutUint32(buf[4:8], c.SrcQPN)
	binary.BigEndian.PutUint16(buf[8:10], c.SrcPort)
	copy(buf[10:26], c.SrcGID[:])
	return buf
}

func DecodeConnect(b []byte) (Connect, error) {
	if len(b) != ConnectLen {
		return Connect{}, fmt.Errorf("%w: connect length %d", ErrInvalidPayload, len(b))
	}
	var c Connect
	c.DstQPN = binary.BigEndian.Uint32(b[0:4])
	c.SrcQPN = binary.BigEndian.Uint32(b[4:8])
	c.SrcPort = binary.BigEndian.Uint16(b[8:10])
	copy(c.SrcGID[:], b[10:26])
	return c, nil
}

func EncodeCAS(compare, swap uint64) []byte {
	buf := make([]byte, CASLen)
	binary.BigEndian.PutUint64(buf[0:8], compare)
	binary.BigEndian.PutUint64(buf[8:16], swap)
	return buf
}

func DecodeCAS(b []byte) (compare, swap uint64, err error) {
	if len(b) != CASLen {
		return 0, 0, fmt.Errorf("%w: cas length %d", ErrInvalidPayload, len(b))
	}
	return binary.BigEndian.Uint64(b[0:8]), binary.BigEndian.Uint64(b[8:16]), nil
}

func EncodeWord(v uint64) []byte {
	buf := make([]byte, WordLen)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func DecodeWord(b []byte) (uint64, error) {
	if len(b) != WordLen {
		return 0, fmt.Errorf("%w: word length %d", ErrInvalidPayload, len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}
