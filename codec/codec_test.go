package codec

import (
	"bytes"
	"strings"
	"testing"

	"github.com/juju/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"rpcore/message"
	"rpcore/protocol"
)

func envelopes() []*message.RPCMessage {
	return []*message.RPCMessage{
		{Request: &message.Request{ID: 7, ServiceName: "Calc", MethodName: "Add", SerializedRequest: []byte(`{"A":2,"B":3}`)}},
		{Request: &message.Request{ID: -1, ServiceName: "Calc", MethodName: "Ping"}},
		{Response: &message.Response{ID: 7, SerializedResponse: []byte(`{"Result":5}`)}},
		{Response: &message.Response{ID: 9, Error: &message.Error{Msg: "Not find method [Div]"}}},
		{Response: &message.Response{ID: 0, Error: &message.Error{}}},
	}
}

func TestEnvelopeCodecs(t *testing.T) {
	for _, c := range []Codec{&JSONCodec{}, &BinaryCodec{}, &ProtoCodec{}} {
		for i, original := range envelopes() {
			data, err := c.Encode(original)
			if err != nil {
				t.Fatalf("%s #%d: Encode failed: %v", c.Type(), i, err)
			}
			decoded := &message.RPCMessage{}
			if err := c.Decode(data, decoded); err != nil {
				t.Fatalf("%s #%d: Decode failed: %v", c.Type(), i, err)
			}
			assertSameEnvelope(t, c.Type(), i, original, decoded)
		}
	}
}

func assertSameEnvelope(t *testing.T, ct CodecType, i int, want, got *message.RPCMessage) {
	t.Helper()
	if want.HasRequest() != got.HasRequest() || want.HasResponse() != got.HasResponse() {
		t.Fatalf("%s #%d: arms differ: got %+v, want %+v", ct, i, got, want)
	}
	if want.HasRequest() {
		w, g := want.Request, got.Request
		if w.ID != g.ID || w.ServiceName != g.ServiceName || w.MethodName != g.MethodName ||
			!bytes.Equal(w.SerializedRequest, g.SerializedRequest) {
			t.Errorf("%s #%d: request mismatch: got %+v, want %+v", ct, i, g, w)
		}
		return
	}
	w, g := want.Response, got.Response
	if w.ID != g.ID || !bytes.Equal(w.SerializedResponse, g.SerializedResponse) {
		t.Errorf("%s #%d: response mismatch: got %+v, want %+v", ct, i, g, w)
	}
	if (w.Error == nil) != (g.Error == nil) || (w.Error != nil && w.Error.Msg != g.Error.Msg) {
		t.Errorf("%s #%d: error mismatch: got %+v, want %+v", ct, i, g.Error, w.Error)
	}
}

func TestBinaryCodecRejectsTruncated(t *testing.T) {
	c := &BinaryCodec{}
	data, err := c.Encode(envelopes()[0])
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range []int{0, 1, 5, len(data) - 1} {
		if err := c.Decode(data[:n], &message.RPCMessage{}); err == nil {
			t.Errorf("decoding %d of %d bytes should fail", n, len(data))
		}
	}
	if err := c.Decode(append(data, 0), &message.RPCMessage{}); err == nil {
		t.Error("trailing byte should fail")
	}
	if _, err := c.Encode(struct{}{}); err == nil {
		t.Error("BinaryCodec must only accept envelopes")
	}
}

func TestProtoCodecPayload(t *testing.T) {
	c := &ProtoCodec{}
	data, err := c.Encode(wrapperspb.Int64(5))
	if err != nil {
		t.Fatal(err)
	}
	var got wrapperspb.Int64Value
	if err := c.Decode(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.GetValue() != 5 {
		t.Fatalf("got %d, want 5", got.GetValue())
	}
	if _, err := c.Encode(struct{}{}); err == nil {
		t.Error("non-proto values must be rejected")
	}
}

func TestProtoEnvelopeSkipsUnknownFields(t *testing.T) {
	c := &ProtoCodec{}
	data, err := c.Encode(envelopes()[0])
	if err != nil {
		t.Fatal(err)
	}
	// Field 15 (varint) appended by a newer peer.
	data = append(data, 15<<3, 42)
	got := &message.RPCMessage{}
	if err := c.Decode(data, got); err != nil {
		t.Fatal(err)
	}
	if got.Request.MethodName != "Add" {
		t.Fatalf("got %+v", got.Request)
	}
}

func TestJSONCodecStrict(t *testing.T) {
	type args struct{ A, B int }
	var v args
	if err := (&JSONCodec{}).Decode([]byte(`{"A":1,"C":2}`), &v); err != nil {
		t.Fatalf("lenient decode failed: %v", err)
	}
	if err := (&JSONCodec{Strict: true}).Decode([]byte(`{"A":1,"C":2}`), &v); err == nil {
		t.Fatal("strict decode should reject unknown field")
	}
	if err := (&JSONCodec{Strict: true}).Decode([]byte(`{"A":1} {"A":2}`), &v); err == nil {
		t.Fatal("strict decode should reject trailing data")
	}
}

func TestParseCodecType(t *testing.T) {
	for _, ct := range []CodecType{CodecTypeJSON, CodecTypeBinary, CodecTypeProto} {
		got, err := ParseCodecType(ct.String())
		if err != nil || got != ct {
			t.Errorf("ParseCodecType(%q) = %v, %v", ct, got, err)
		}
		if GetCodec(ct).Type() != ct {
			t.Errorf("GetCodec(%s) returned %s", ct, GetCodec(ct).Type())
		}
	}
	if _, err := ParseCodecType("xml"); !errors.Is(err, errors.NotValid) {
		t.Errorf("expected not valid, got %v", err)
	}
}

type addArgs struct{ A, B int }
type addReply struct{ Result int }

func TestFramedStrategy(t *testing.T) {
	dec, enc := Framed(&JSONCodec{}, CodecTypeBinary)()

	body, err := (&ProtoCodec{}).Encode(&message.RPCMessage{Request: &message.Request{
		ID: 7, ServiceName: "Calc", MethodName: "Add", SerializedRequest: []byte(`{"A":2,"B":3}`),
	}})
	if err != nil {
		t.Fatal(err)
	}
	stream := protocol.Append(nil, &protocol.Header{CodecType: protocol.CodecTypeProto, MsgType: protocol.MsgTypeHeartbeat}, nil)
	stream = protocol.Append(stream, &protocol.Header{CodecType: protocol.CodecTypeProto, Seq: 7}, body)

	msg, n, err := dec.B2M(stream)
	if err != nil || !msg.IsHeartbeat() || n != protocol.HeaderSize {
		t.Fatalf("heartbeat: got (%v, %d, %v)", msg.Kind(), n, err)
	}
	msg, m, err := dec.B2M(stream[n:])
	if err != nil || !msg.IsEnvelope() || n+m != len(stream) {
		t.Fatalf("request: got (%v, %d, %v)", msg.Kind(), m, err)
	}

	var args addArgs
	if err := dec.M2M(msg, &args); err != nil || args.A != 2 || args.B != 3 {
		t.Fatalf("M2M: got (%+v, %v)", args, err)
	}

	// The reply goes out in the envelope codec the client used.
	frame := &message.RPCMessage{Response: &message.Response{ID: 7}}
	if err := enc.M2F(&addReply{Result: 5}, frame); err != nil {
		t.Fatal(err)
	}
	out, err := enc.F2B(frame)
	if err != nil {
		t.Fatal(err)
	}
	h, replyBody, err := protocol.Read(bytes.NewReader(out))
	if err != nil {
		t.Fatal(err)
	}
	if h.CodecType != protocol.CodecTypeProto || h.MsgType != protocol.MsgTypeResponse || h.Seq != 7 {
		t.Fatalf("unexpected reply header %+v", h)
	}
	reply := &message.RPCMessage{}
	if err := (&ProtoCodec{}).Decode(replyBody, reply); err != nil {
		t.Fatal(err)
	}
	if string(reply.Response.SerializedResponse) != `{"Result":5}` {
		t.Fatalf("got %s", reply.Response.SerializedResponse)
	}
}

func TestFramedReplyKeepsRequestCodec(t *testing.T) {
	dec, enc := Framed(&JSONCodec{}, CodecTypeJSON)()

	request := func(ct byte, id int64) {
		body, err := GetCodec(CodecType(ct)).Encode(&message.RPCMessage{Request: &message.Request{
			ID: id, ServiceName: "Calc", MethodName: "Add",
		}})
		if err != nil {
			t.Fatal(err)
		}
		stream := protocol.Append(nil, &protocol.Header{CodecType: ct, Seq: uint32(id)}, body)
		if _, n, err := dec.B2M(stream); err != nil || n != len(stream) {
			t.Fatalf("request %d: got (%d, %v)", id, n, err)
		}
	}
	replyHeader := func(e Encoder, id int64) *protocol.Header {
		out, err := e.F2B(&message.RPCMessage{Response: &message.Response{ID: id}})
		if err != nil {
			t.Fatal(err)
		}
		h, _, err := protocol.Read(bytes.NewReader(out))
		if err != nil {
			t.Fatal(err)
		}
		return h
	}

	request(protocol.CodecTypeJSON, 1)
	first := enc.Pinned()
	// The client switches envelope codec before the first call completes.
	request(protocol.CodecTypeBinary, 2)
	second := enc.Pinned()

	if h := replyHeader(first, 1); h.CodecType != protocol.CodecTypeJSON || h.Seq != 1 {
		t.Fatalf("first reply header %+v", h)
	}
	if h := replyHeader(second, 2); h.CodecType != protocol.CodecTypeBinary || h.Seq != 2 {
		t.Fatalf("second reply header %+v", h)
	}
	// Replies outside a call follow the latest request.
	if h := replyHeader(enc, 0); h.CodecType != protocol.CodecTypeBinary {
		t.Fatalf("unpinned reply header %+v", h)
	}
}

func TestFramedReplyWithoutID(t *testing.T) {
	_, enc := Framed(&JSONCodec{}, CodecTypeJSON)()
	out, err := enc.F2B(&message.RPCMessage{Response: &message.Response{
		ID: message.NoID, Error: &message.Error{Msg: "Not find request"},
	}})
	if err != nil {
		t.Fatal(err)
	}
	h, _, err := protocol.Read(bytes.NewReader(out))
	if err != nil {
		t.Fatal(err)
	}
	if h.Seq != 0 {
		t.Fatalf("got seq %d, want 0", h.Seq)
	}
}

func TestFramedStrategyCorruptEnvelope(t *testing.T) {
	dec, _ := Framed(&JSONCodec{}, CodecTypeBinary)()
	stream := protocol.Append(nil, &protocol.Header{CodecType: protocol.CodecTypeBinary}, []byte{9, 9, 9})
	if _, _, err := dec.B2M(stream); !errors.Is(err, protocol.ErrFraming) {
		t.Fatalf("expected framing error, got %v", err)
	}
}

func TestPayloadDecoderBadPayload(t *testing.T) {
	m2m := PayloadDecoder(&JSONCodec{})
	in := message.Envelope(&message.RPCMessage{Request: &message.Request{SerializedRequest: []byte("{")}})
	err := m2m(in, &addArgs{})
	if !errors.Is(err, ErrBadPayload) {
		t.Fatalf("expected bad payload, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "bad request payload: ") {
		t.Fatalf("cause should lead the message, got %q", err)
	}
	if err := m2m(message.Raw("x"), &addArgs{}); !errors.Is(err, ErrBadPayload) {
		t.Fatalf("expected bad payload for raw unit, got %v", err)
	}
}

func TestVarintStrategy(t *testing.T) {
	dec, enc := Varint(&ProtoCodec{})()

	payload, _ := proto.Marshal(wrapperspb.String("hi"))
	body, _ := (&ProtoCodec{}).Encode(&message.RPCMessage{Request: &message.Request{
		ID: 3, ServiceName: "Echo", MethodName: "Say", SerializedRequest: payload,
	}})
	stream := protocol.AppendVarint(nil, body)

	if _, n, err := dec.B2M(stream[:len(stream)-1]); n != 0 || err != nil {
		t.Fatalf("partial: got (%d, %v)", n, err)
	}
	msg, n, err := dec.B2M(stream)
	if err != nil || n != len(stream) {
		t.Fatalf("got (%d, %v)", n, err)
	}
	var req wrapperspb.StringValue
	if err := dec.M2M(msg, &req); err != nil || req.GetValue() != "hi" {
		t.Fatalf("M2M: got (%q, %v)", req.GetValue(), err)
	}

	frame := &message.RPCMessage{Response: &message.Response{ID: 3}}
	if err := enc.M2F(wrapperspb.String("hi"), frame); err != nil {
		t.Fatal(err)
	}
	out, err := enc.F2B(frame)
	if err != nil {
		t.Fatal(err)
	}
	replyBody, _, err := protocol.DecodeVarint(out)
	if err != nil {
		t.Fatal(err)
	}
	reply := &message.RPCMessage{}
	if err := (&ProtoCodec{}).Decode(replyBody, reply); err != nil || reply.Response.ID != 3 {
		t.Fatalf("got (%+v, %v)", reply.Response, err)
	}
}

func TestLinesStrategy(t *testing.T) {
	dec, enc := Lines()()
	if enc.F2B != nil {
		t.Fatal("lines replies are sent from the serialized response")
	}

	stream := []byte("\n{\"method\":\"Add\",\"params\":{\"A\":2,\"B\":3}}\n{\"meth")
	msg, n, err := dec.B2M(stream)
	if err != nil || !msg.IsHeartbeat() || n != 1 {
		t.Fatalf("blank line: got (%v, %d, %v)", msg.Kind(), n, err)
	}
	msg, m, err := dec.B2M(stream[n:])
	if err != nil || !msg.IsRawMessage() {
		t.Fatalf("call: got (%v, %d, %v)", msg.Kind(), m, err)
	}
	if method, err := LineMethod(msg.Value()); err != nil || method != "Add" {
		t.Fatalf("LineMethod: got (%q, %v)", method, err)
	}
	var args addArgs
	if err := dec.M2M(msg, &args); err != nil || args.A != 2 || args.B != 3 {
		t.Fatalf("M2M: got (%+v, %v)", args, err)
	}
	if _, k, err := dec.B2M(stream[n+m:]); k != 0 || err != nil {
		t.Fatalf("partial line: got (%d, %v)", k, err)
	}

	frame := &message.RPCMessage{Response: &message.Response{ID: message.NoID}}
	if err := enc.M2F(&addReply{Result: 5}, frame); err != nil {
		t.Fatal(err)
	}
	if got := string(frame.Response.SerializedResponse); got != "{\"result\":{\"Result\":5}}\n" {
		t.Fatalf("got %q", got)
	}

	frame = &message.RPCMessage{Response: &message.Response{Error: &message.Error{Msg: "Not find method [Div]"}}}
	if err := enc.M2F(nil, frame); err != nil {
		t.Fatal(err)
	}
	if got := string(frame.Response.SerializedResponse); got != "{\"error\":\"Not find method [Div]\"}\n" {
		t.Fatalf("got %q", got)
	}
}

func TestLinesStrategyBadInput(t *testing.T) {
	dec, _ := Lines()()
	if _, _, err := dec.B2M([]byte("not json\n")); !errors.Is(err, protocol.ErrFraming) {
		t.Fatalf("expected framing error, got %v", err)
	}
	if _, _, err := dec.B2M(bytes.Repeat([]byte("x"), MaxLineLen+1)); !errors.Is(err, protocol.ErrFraming) {
		t.Fatalf("expected framing error for long line, got %v", err)
	}
	if _, err := LineMethod("x"); err == nil {
		t.Fatal("LineMethod should reject other types")
	}
}
