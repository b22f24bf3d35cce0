package codec

import (
	"bytes"
	"encoding/json"

	"github.com/juju/errors"

	"rpcore/message"
	"rpcore/protocol"
)

// Line is one newline-delimited JSON call of the Lines strategy:
//
//	{"method":"Add","params":{"A":2,"B":3}}
//
// It carries no service name and no id, so a server needs a method selector
// (see LineMethod) and replies are matched to calls by order alone.
type Line struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// MaxLineLen bounds a single line; longer input is a framing failure.
const MaxLineLen = 64 << 10

// Lines is the raw-message strategy for text clients. Calls arrive as bare
// Line values with no envelope; replies go out as {"result":...} or
// {"error":"..."} lines written straight from the serialized response, with
// no separate frame encoding step.
func Lines() Strategy {
	return func() (Decoder, Encoder) {
		return Decoder{B2M: decodeLine, M2M: lineParams},
			Encoder{M2F: encodeLine}
	}
}

// LineMethod is the method selector matching the Lines strategy.
func LineMethod(msg any) (string, error) {
	line, ok := msg.(*Line)
	if !ok {
		return "", errors.Errorf("expected *codec.Line, got %T", msg)
	}
	return line.Method, nil
}

func decodeLine(data []byte) (message.Inbound, int, error) {
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		if len(data) > MaxLineLen {
			return message.Inbound{}, 0, errors.Annotatef(protocol.ErrFraming, "line exceeds %d bytes", MaxLineLen)
		}
		return message.Inbound{}, 0, nil
	}
	raw := bytes.TrimSpace(data[:i])
	if len(raw) == 0 {
		// Blank lines keep an idle text session alive.
		return message.Heartbeat(), i + 1, nil
	}
	line := &Line{}
	if err := json.Unmarshal(raw, line); err != nil {
		return message.Inbound{}, 0, errors.Annotatef(protocol.ErrFraming, "line: %v", err)
	}
	return message.Raw(line), i + 1, nil
}

func lineParams(src message.Inbound, dst any) error {
	line, ok := src.Value().(*Line)
	if !ok {
		return badPayloadf("expected a line, got %s unit", src.Kind())
	}
	if len(line.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(line.Params, dst); err != nil {
		return badPayloadf("%v", err)
	}
	return nil
}

type lineReply struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// encodeLine writes the wire line into SerializedResponse; the frame itself
// never leaves the process, so for errors both arms end up populated.
func encodeLine(resp any, frame *message.RPCMessage) error {
	rsp := frame.MutableResponse()
	reply := lineReply{Result: resp}
	if resp == nil && rsp.Error != nil {
		reply.Error = rsp.Error.Msg
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return errors.Trace(err)
	}
	rsp.SerializedResponse = append(data, '\n')
	return nil
}
