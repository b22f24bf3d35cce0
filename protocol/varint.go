package protocol

import (
	"encoding/binary"
	"io"

	"github.com/juju/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// AppendVarint appends body prefixed with its length as a protobuf varint.
func AppendVarint(dst, body []byte) []byte {
	dst = protowire.AppendVarint(dst, uint64(len(body)))
	return append(dst, body...)
}

// DecodeVarint parses one varint-length-prefixed frame from the front of data.
// Like Decode, n == 0 with a nil error means more bytes are needed.
func DecodeVarint(data []byte) ([]byte, int, error) {
	size, n := protowire.ConsumeVarint(data)
	if n < 0 {
		// A truncated varint is shorter than the longest encoding;
		// anything else is corrupt.
		if len(data) < binary.MaxVarintLen64 {
			return nil, 0, nil
		}
		return nil, 0, errors.Annotatef(ErrFraming, "bad length prefix: %v", protowire.ParseError(n))
	}
	if size > uint64(MaxBodyLen) {
		return nil, 0, errors.Annotatef(ErrFraming, "body length %d exceeds %d", size, MaxBodyLen)
	}
	total := n + int(size)
	if len(data) < total {
		return nil, 0, nil
	}
	return data[n:total], total, nil
}

// ReadVarint reads one varint-length-prefixed frame from r.
func ReadVarint(r io.ByteReader) ([]byte, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if size > uint64(MaxBodyLen) {
		return nil, errors.Annotatef(ErrFraming, "body length %d exceeds %d", size, MaxBodyLen)
	}
	body := make([]byte, size)
	for i := range body {
		if body[i], err = r.ReadByte(); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
	return body, nil
}
