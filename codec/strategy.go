package codec

import (
	"fmt"
	"sync/atomic"

	"github.com/juju/errors"

	"rpcore/message"
	"rpcore/protocol"
)

// B2M turns buffered bytes into one inbound unit. It returns n == 0 and a nil
// error while data holds no complete unit. Any error means the stream can no
// longer be trusted.
type B2M func(data []byte) (msg message.Inbound, n int, err error)

// M2M fills a typed request value from a decoded inbound unit.
type M2M func(src message.Inbound, dst any) error

// M2F stores a typed reply into the response arm of frame. resp is nil for
// error replies; frame.Response.Error is then already set.
type M2F func(resp any, frame *message.RPCMessage) error

// F2B serializes a response frame into bytes ready to send.
type F2B func(frame *message.RPCMessage) ([]byte, error)

// Decoder is the inbound half of a channel's codec strategy.
// M2M is optional; without it the decoded value is handed to the method as is.
type Decoder struct {
	B2M B2M
	M2M M2M
}

// Encoder is the outbound half of a channel's codec strategy.
// F2B is optional; without it the channel sends
// frame.Response.SerializedResponse as the reply bytes.
type Encoder struct {
	M2F M2F
	F2B F2B

	// Pin, if set, returns an encoder fixed to what the unit just decoded
	// asked for. A call keeps the pinned encoder until it completes.
	Pin func() Encoder
}

// Pinned returns the encoder a call started now should reply with.
func (e Encoder) Pinned() Encoder {
	if e.Pin == nil {
		return e
	}
	return e.Pin()
}

// Strategy builds a fresh decoder/encoder pair for one connection.
// Pairs may share per-connection state, so never reuse one across channels.
type Strategy func() (Decoder, Encoder)

// ErrBadPayload is the cause of request payloads that do not decode into
// the method's request type.
const ErrBadPayload = errors.ConstError("bad request payload")

func badPayloadf(format string, args ...any) error {
	return errors.WithType(errors.Errorf("%v: %s", ErrBadPayload, fmt.Sprintf(format, args...)), ErrBadPayload)
}

// Framed is the default strategy: header framing from the protocol package,
// an envelope codec picked per frame from the header, and payload for typed
// values. A call replies in the envelope codec of its own request; errors
// outside any call use the most recent one, starting from defaultEnvelope.
func Framed(payload Codec, defaultEnvelope CodecType) Strategy {
	return func() (Decoder, Encoder) {
		var envelope atomic.Uint32
		envelope.Store(uint32(defaultEnvelope))

		b2m := func(data []byte) (message.Inbound, int, error) {
			h, body, n, err := protocol.Decode(data)
			if err != nil || n == 0 {
				return message.Inbound{}, 0, err
			}
			if h.MsgType == protocol.MsgTypeHeartbeat {
				return message.Heartbeat(), n, nil
			}
			frame := &message.RPCMessage{}
			if err := GetCodec(CodecType(h.CodecType)).Decode(body, frame); err != nil {
				return message.Inbound{}, 0, errors.Annotatef(protocol.ErrFraming, "envelope: %v", err)
			}
			envelope.Store(uint32(h.CodecType))
			return message.Envelope(frame), n, nil
		}
		m2f := PayloadEncoder(payload)
		pinned := func() Encoder {
			return Encoder{M2F: m2f, F2B: framedF2B(CodecType(envelope.Load()))}
		}
		f2b := func(frame *message.RPCMessage) ([]byte, error) {
			return framedF2B(CodecType(envelope.Load()))(frame)
		}
		return Decoder{B2M: b2m, M2M: PayloadDecoder(payload)},
			Encoder{M2F: m2f, F2B: f2b, Pin: pinned}
	}
}

// framedF2B serializes response frames with the envelope codec t. Replies
// without a correlation id carry sequence 0, matching the id in the body.
func framedF2B(t CodecType) F2B {
	c := GetCodec(t)
	return func(frame *message.RPCMessage) ([]byte, error) {
		body, err := c.Encode(frame)
		if err != nil {
			return nil, errors.Trace(err)
		}
		h := &protocol.Header{
			CodecType: byte(c.Type()),
			MsgType:   protocol.MsgTypeResponse,
		}
		if id := frame.Response.ID; id != message.NoID {
			h.Seq = uint32(id)
		}
		return protocol.Append(nil, h, body), nil
	}
}

// Varint is the protobuf-style strategy: every envelope is prefixed with its
// varint length and serialized with ProtoCodec.
func Varint(payload Codec) Strategy {
	return func() (Decoder, Encoder) {
		envelope := &ProtoCodec{}
		b2m := func(data []byte) (message.Inbound, int, error) {
			body, n, err := protocol.DecodeVarint(data)
			if err != nil || n == 0 {
				return message.Inbound{}, 0, err
			}
			frame := &message.RPCMessage{}
			if err := envelope.Decode(body, frame); err != nil {
				return message.Inbound{}, 0, errors.Annotatef(protocol.ErrFraming, "envelope: %v", err)
			}
			return message.Envelope(frame), n, nil
		}
		f2b := func(frame *message.RPCMessage) ([]byte, error) {
			body, err := envelope.Encode(frame)
			if err != nil {
				return nil, errors.Trace(err)
			}
			return protocol.AppendVarint(nil, body), nil
		}
		return Decoder{B2M: b2m, M2M: PayloadDecoder(payload)},
			Encoder{M2F: PayloadEncoder(payload), F2B: f2b}
	}
}

// PayloadDecoder decodes the serialized request of an envelope with c.
func PayloadDecoder(c Codec) M2M {
	return func(src message.Inbound, dst any) error {
		if !src.IsEnvelope() || !src.Frame().HasRequest() {
			return badPayloadf("%s unit has no request payload", src.Kind())
		}
		if err := c.Decode(src.Frame().Request.SerializedRequest, dst); err != nil {
			return badPayloadf("%v", err)
		}
		return nil
	}
}

// PayloadEncoder serializes a typed reply with c into the response arm.
func PayloadEncoder(c Codec) M2F {
	return func(resp any, frame *message.RPCMessage) error {
		if resp == nil {
			return nil
		}
		data, err := c.Encode(resp)
		if err != nil {
			return errors.Trace(err)
		}
		frame.MutableResponse().SerializedResponse = data
		return nil
	}
}
