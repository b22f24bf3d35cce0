// Package protocol implements the byte-stream framing used by rpcore.
//
// The default framing uses a fixed-size 14-byte header followed by a
// variable-length body. The receiver reads the header first to determine the
// body length, then waits until that many bytes are buffered.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │ bodyLen │    body ...    │
//	│ mrp  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
//
// Event loops hand the decoder whatever bytes have arrived so far, so Decode
// works on a buffer and reports how much of it forms a complete frame.
package protocol

import (
	"encoding/binary"
	"io"

	"github.com/juju/errors"
)

// Magic number bytes: "mrp".
// Used to quickly identify whether the incoming data is a valid frame,
// rejecting non-protocol connections (e.g. HTTP clients hitting the wrong port).
const (
	MagicNumber byte = 0x6d // 'm'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 14 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (seq) + 4 (bodyLen)

	// MaxBodyLen bounds a single frame body.
	MaxBodyLen uint32 = 16 << 20
)

// ErrFraming is the cause of every malformed-frame error.
const ErrFraming = errors.ConstError("malformed frame")

// MsgType distinguishes request, response, and heartbeat frames.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0 // Client → Server RPC request
	MsgTypeResponse  MsgType = 1 // Server → Client RPC response
	MsgTypeHeartbeat MsgType = 2 // KeepAlive probe (no body)
)

// Envelope codec type constants, mirrored from the codec package to avoid a circular import.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
	CodecTypeProto  byte = 2
)

// Header represents the fixed 14-byte frame header.
type Header struct {
	CodecType byte    // Envelope serialization format
	MsgType   MsgType // Request, Response, or Heartbeat
	Seq       uint32  // Low 32 bits of the correlation id
	BodyLen   uint32  // Body length in bytes
}

// Append appends a complete frame (header + body) to dst.
func Append(dst []byte, h *Header, body []byte) []byte {
	var hdr [HeaderSize]byte
	hdr[0], hdr[1], hdr[2] = MagicNumber, MagicByte2, MagicByte3
	hdr[3] = Version
	hdr[4] = h.CodecType
	hdr[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(hdr[6:10], h.Seq)
	binary.BigEndian.PutUint32(hdr[10:14], uint32(len(body)))
	dst = append(dst, hdr[:]...)
	return append(dst, body...)
}

// Encode writes a complete frame to w in a single Write call, so frames
// written by different goroutines never interleave on a net.Conn.
func Encode(w io.Writer, h *Header, body []byte) error {
	buf := Append(make([]byte, 0, HeaderSize+len(body)), h, body)
	_, err := w.Write(buf)
	return errors.Trace(err)
}

// parseHeader validates the magic number, version, codec type, and message type.
func parseHeader(buf []byte) (*Header, error) {
	if buf[0] != MagicNumber || buf[1] != MagicByte2 || buf[2] != MagicByte3 {
		return nil, errors.Annotatef(ErrFraming, "invalid magic number: %x", buf[0:3])
	}
	if buf[3] != Version {
		return nil, errors.Annotatef(ErrFraming, "unsupported version: %d", buf[3])
	}
	if buf[4] != CodecTypeJSON && buf[4] != CodecTypeBinary && buf[4] != CodecTypeProto {
		return nil, errors.Annotatef(ErrFraming, "unsupported codec type: %d", buf[4])
	}
	msgType := MsgType(buf[5])
	if msgType != MsgTypeRequest && msgType != MsgTypeResponse && msgType != MsgTypeHeartbeat {
		return nil, errors.Annotatef(ErrFraming, "unsupported message type: %d", buf[5])
	}
	bodyLen := binary.BigEndian.Uint32(buf[10:14])
	if bodyLen > MaxBodyLen {
		return nil, errors.Annotatef(ErrFraming, "body length %d exceeds %d", bodyLen, MaxBodyLen)
	}
	return &Header{
		CodecType: buf[4],
		MsgType:   msgType,
		Seq:       binary.BigEndian.Uint32(buf[6:10]),
		BodyLen:   bodyLen,
	}, nil
}

// Decode parses one frame from the front of data.
//
// It returns n == 0 and a nil error when data does not yet hold a complete
// frame; the caller keeps the bytes and retries once more arrive. A header is
// validated as soon as it is complete, so garbage is rejected without waiting
// for a body that will never come. The returned body aliases data.
func Decode(data []byte) (*Header, []byte, int, error) {
	if len(data) < HeaderSize {
		return nil, nil, 0, nil
	}
	h, err := parseHeader(data[:HeaderSize])
	if err != nil {
		return nil, nil, 0, err
	}
	total := HeaderSize + int(h.BodyLen)
	if len(data) < total {
		return nil, nil, 0, nil
	}
	return h, data[HeaderSize:total], total, nil
}

// Read reads a complete frame (header + body) from r.
// Uses io.ReadFull to guarantee exactly N bytes are read.
func Read(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}
	h, err := parseHeader(headerBuf)
	if err != nil {
		return nil, nil, err
	}
	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}
	return h, body, nil
}
