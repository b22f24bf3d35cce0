package codec

import (
	"encoding/binary"

	"github.com/juju/errors"

	"rpcore/message"
)

// BinaryCodec is a compact hand-rolled envelope layout:
//
//	request:  kind(1)=1 | id(8) | svcLen(2) svc | methodLen(2) method | payloadLen(4) payload
//	response: kind(1)=2 | id(8) | hasErr(1) | payloadLen(4) payload | errLen(2) err
//
// All integers are big-endian. It only encodes *message.RPCMessage.
type BinaryCodec struct{}

const (
	binaryKindRequest  byte = 1
	binaryKindResponse byte = 2
)

var errNotEnvelope = errors.New("BinaryCodec: v must be *message.RPCMessage")

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return nil, errNotEnvelope
	}
	var buf []byte
	switch {
	case msg.Request != nil:
		req := msg.Request
		buf = make([]byte, 0, 1+8+2+len(req.ServiceName)+2+len(req.MethodName)+4+len(req.SerializedRequest))
		buf = append(buf, binaryKindRequest)
		buf = binary.BigEndian.AppendUint64(buf, uint64(req.ID))
		buf = appendString16(buf, req.ServiceName)
		buf = appendString16(buf, req.MethodName)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(req.SerializedRequest)))
		buf = append(buf, req.SerializedRequest...)
	case msg.Response != nil:
		rsp := msg.Response
		var errMsg string
		hasErr := byte(0)
		if rsp.Error != nil {
			hasErr, errMsg = 1, rsp.Error.Msg
		}
		buf = make([]byte, 0, 1+8+1+4+len(rsp.SerializedResponse)+2+len(errMsg))
		buf = append(buf, binaryKindResponse)
		buf = binary.BigEndian.AppendUint64(buf, uint64(rsp.ID))
		buf = append(buf, hasErr)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(rsp.SerializedResponse)))
		buf = append(buf, rsp.SerializedResponse...)
		buf = appendString16(buf, errMsg)
	default:
		return nil, errors.New("BinaryCodec: empty envelope")
	}
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return errNotEnvelope
	}
	r := binaryReader{data: data}
	switch kind := r.readByte(); kind {
	case binaryKindRequest:
		req := &message.Request{}
		req.ID = int64(r.readUint64())
		req.ServiceName = r.readString16()
		req.MethodName = r.readString16()
		req.SerializedRequest = r.readBytes32()
		msg.Request, msg.Response = req, nil
	case binaryKindResponse:
		rsp := &message.Response{}
		rsp.ID = int64(r.readUint64())
		hasErr := r.readByte()
		rsp.SerializedResponse = r.readBytes32()
		errMsg := r.readString16()
		if hasErr != 0 {
			rsp.Error = &message.Error{Msg: errMsg}
		}
		msg.Request, msg.Response = nil, rsp
	default:
		if r.err == nil {
			r.err = errors.Errorf("BinaryCodec: unknown envelope kind %d", kind)
		}
	}
	if r.err == nil && r.off != len(data) {
		r.err = errors.Errorf("BinaryCodec: %d trailing bytes", len(data)-r.off)
	}
	return r.err
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

func appendString16(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// binaryReader consumes a buffer with bounds checks; the first failure
// sticks and later reads return zero values.
type binaryReader struct {
	data []byte
	off  int
	err  error
}

func (r *binaryReader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data)-r.off < n {
		r.err = errors.Errorf("BinaryCodec: truncated at offset %d", r.off)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *binaryReader) readByte() byte {
	if b := r.next(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *binaryReader) readUint64() uint64 {
	if b := r.next(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (r *binaryReader) readString16() string {
	b := r.next(2)
	if b == nil {
		return ""
	}
	return string(r.next(int(binary.BigEndian.Uint16(b))))
}

func (r *binaryReader) readBytes32() []byte {
	b := r.next(4)
	if b == nil {
		return nil
	}
	n := binary.BigEndian.Uint32(b)
	p := r.next(int(n))
	if len(p) == 0 {
		return nil
	}
	return append([]byte(nil), p...)
}
