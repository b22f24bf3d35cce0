package codec

import (
	"bytes"
	"encoding/json"

	"github.com/juju/errors"
)

// JSONCodec serializes envelopes and payloads as JSON.
// When Strict is set, payloads with unknown fields or trailing data are
// rejected instead of being silently ignored.
type JSONCodec struct {
	Strict bool
}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	if !c.Strict {
		return json.Unmarshal(data, v)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.Errorf("trailing data after JSON value")
	}
	return nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
