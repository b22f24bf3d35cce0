package message

// Kind tells which shape a decoded inbound unit has.
type Kind uint8

const (
	// KindEnvelope is a framed RPCMessage carrying id and method in-band.
	KindEnvelope Kind = iota + 1
	// KindRaw is a bare domain message; the method comes from a selector.
	KindRaw
	// KindHeartbeat is a keep-alive probe with no body.
	KindHeartbeat
)

func (k Kind) String() string {
	switch k {
	case KindEnvelope:
		return "envelope"
	case KindRaw:
		return "raw"
	case KindHeartbeat:
		return "heartbeat"
	}
	return "invalid"
}

// Inbound is one complete unit produced by a byte-to-message decoder.
// The zero value is invalid.
type Inbound struct {
	kind  Kind
	frame *RPCMessage
	value any
}

// Envelope wraps a decoded RPCMessage.
func Envelope(frame *RPCMessage) Inbound {
	return Inbound{kind: KindEnvelope, frame: frame}
}

// Raw wraps a decoded domain message that has no envelope around it.
func Raw(v any) Inbound {
	return Inbound{kind: KindRaw, value: v}
}

// Heartbeat returns the keep-alive unit.
func Heartbeat() Inbound {
	return Inbound{kind: KindHeartbeat}
}

func (in Inbound) Kind() Kind         { return in.kind }
func (in Inbound) IsEnvelope() bool   { return in.kind == KindEnvelope }
func (in Inbound) IsRawMessage() bool { return in.kind == KindRaw }
func (in Inbound) IsHeartbeat() bool  { return in.kind == KindHeartbeat }
func (in Inbound) Valid() bool        { return in.kind != 0 }
func (in Inbound) Frame() *RPCMessage { return in.frame }

// Value returns the raw domain message, or the envelope for framed units.
func (in Inbound) Value() any {
	if in.kind == KindEnvelope {
		return in.frame
	}
	return in.value
}
