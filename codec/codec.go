// Package codec holds the two pluggable transforms of a channel:
// bytes ↔ frame (framing plus envelope serialization) and
// frame payload ↔ typed domain value.
//
// A Codec serializes one value. The same interface serves envelopes
// (*message.RPCMessage) and payloads (typed request and reply values).
// Strategies in strategy.go combine codecs with a protocol framing into the
// Decoder/Encoder pair a server channel runs.
package codec

import (
	"github.com/juju/errors"

	"rpcore/protocol"
)

type CodecType byte

const (
	CodecTypeJSON   = CodecType(protocol.CodecTypeJSON)
	CodecTypeBinary = CodecType(protocol.CodecTypeBinary)
	CodecTypeProto  = CodecType(protocol.CodecTypeProto)
)

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeBinary:
		return "binary"
	case CodecTypeProto:
		return "proto"
	}
	return "unknown"
}

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

// GetCodec returns the codec for a wire codec type.
func GetCodec(codecType CodecType) Codec {
	switch codecType {
	case CodecTypeJSON:
		return &JSONCodec{}
	case CodecTypeProto:
		return &ProtoCodec{}
	}
	return &BinaryCodec{}
}

// ParseCodecType maps a configuration name to a codec type.
func ParseCodecType(name string) (CodecType, error) {
	for _, t := range []CodecType{CodecTypeJSON, CodecTypeBinary, CodecTypeProto} {
		if t.String() == name {
			return t, nil
		}
	}
	return 0, errors.NotValidf("codec %q", name)
}
