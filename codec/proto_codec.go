package codec

import (
	"github.com/juju/errors"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"

	"rpcore/message"
)

// ProtoCodec speaks protobuf.
//
// Payload values must implement proto.Message. Envelopes are written with
// protowire in the layout of the following schema, so any protobuf runtime
// can read them:
//
//	message Request  { int64 id = 1; string service_name = 2; string method_name = 3; bytes serialized_request = 4; }
//	message Error    { string msg = 1; }
//	message Response { int64 id = 1; bytes serialized_response = 2; Error error = 3; }
//	message RpcMessage { Request request = 1; Response response = 2; }
type ProtoCodec struct{}

const (
	fieldMessageRequest  protowire.Number = 1
	fieldMessageResponse protowire.Number = 2

	fieldRequestID      protowire.Number = 1
	fieldRequestService protowire.Number = 2
	fieldRequestMethod  protowire.Number = 3
	fieldRequestPayload protowire.Number = 4

	fieldResponseID      protowire.Number = 1
	fieldResponsePayload protowire.Number = 2
	fieldResponseError   protowire.Number = 3

	fieldErrorMsg protowire.Number = 1
)

func (c *ProtoCodec) Encode(v any) ([]byte, error) {
	switch v := v.(type) {
	case *message.RPCMessage:
		return appendEnvelope(nil, v)
	case proto.Message:
		return proto.Marshal(v)
	}
	return nil, errors.Errorf("ProtoCodec: cannot encode %T", v)
}

func (c *ProtoCodec) Decode(data []byte, v any) error {
	switch v := v.(type) {
	case *message.RPCMessage:
		return errors.Trace(consumeEnvelope(data, v))
	case proto.Message:
		return proto.Unmarshal(data, v)
	}
	return errors.Errorf("ProtoCodec: cannot decode into %T", v)
}

func (c *ProtoCodec) Type() CodecType {
	return CodecTypeProto
}

func appendEnvelope(b []byte, m *message.RPCMessage) ([]byte, error) {
	switch {
	case m.Request != nil:
		var req []byte
		req = appendInt64(req, fieldRequestID, m.Request.ID)
		req = appendString(req, fieldRequestService, m.Request.ServiceName)
		req = appendString(req, fieldRequestMethod, m.Request.MethodName)
		req = appendBytes(req, fieldRequestPayload, m.Request.SerializedRequest)
		b = protowire.AppendTag(b, fieldMessageRequest, protowire.BytesType)
		b = protowire.AppendBytes(b, req)
	case m.Response != nil:
		var rsp []byte
		rsp = appendInt64(rsp, fieldResponseID, m.Response.ID)
		rsp = appendBytes(rsp, fieldResponsePayload, m.Response.SerializedResponse)
		if m.Response.Error != nil {
			var e []byte
			e = appendString(e, fieldErrorMsg, m.Response.Error.Msg)
			rsp = protowire.AppendTag(rsp, fieldResponseError, protowire.BytesType)
			rsp = protowire.AppendBytes(rsp, e)
		}
		b = protowire.AppendTag(b, fieldMessageResponse, protowire.BytesType)
		b = protowire.AppendBytes(b, rsp)
	default:
		return nil, errors.New("ProtoCodec: empty envelope")
	}
	return b, nil
}

// Proto3 scalars are omitted when they hold the zero value.
func appendInt64(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, p []byte) []byte {
	if len(p) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, p)
}

// walkFields calls fn for each field of a serialized message, skipping
// over the value of any field fn does not consume itself.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func consumeEnvelope(b []byte, m *message.RPCMessage) error {
	m.Request, m.Response = nil, nil
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType || (num != fieldMessageRequest && num != fieldMessageResponse) {
			return 0, nil
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		if num == fieldMessageRequest {
			m.Request = &message.Request{}
			return n, consumeRequest(v, m.Request)
		}
		m.Response = &message.Response{}
		return n, consumeResponse(v, m.Response)
	})
}

func consumeRequest(b []byte, req *message.Request) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldRequestID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			req.ID = int64(v)
			return n, nil
		case num == fieldRequestService && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			req.ServiceName = v
			return n, nil
		case num == fieldRequestMethod && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			req.MethodName = v
			return n, nil
		case num == fieldRequestPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			req.SerializedRequest = append([]byte(nil), v...)
			return n, nil
		}
		return 0, nil
	})
}

func consumeResponse(b []byte, rsp *message.Response) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldResponseID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			rsp.ID = int64(v)
			return n, nil
		case num == fieldResponsePayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			rsp.SerializedResponse = append([]byte(nil), v...)
			return n, nil
		case num == fieldResponseError && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			rsp.Error = &message.Error{}
			return n, walkFields(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				if num != fieldErrorMsg || typ != protowire.BytesType {
					return 0, nil
				}
				s, n := protowire.ConsumeString(b)
				rsp.Error.Msg = s
				return n, nil
			})
		}
		return 0, nil
	})
}
