// Package message defines the RPC frame exchanged between client and server.
//
// RPCMessage is the "envelope" for every framed RPC call. It gets serialized by an
// envelope codec and wrapped in a protocol frame for transmission over TCP.
// Exactly one of its two arms is set:
//
//   - Request:  sent by the client, names the service and method to call.
//   - Response: sent by the server, carries either a result payload or an error.
package message

import (
	"github.com/juju/errors"
)

// NoID marks a request that carries no correlation id (raw domain messages).
const NoID int64 = -1

// Request is the client → server arm of the envelope.
type Request struct {
	ID                int64  `json:"id"`
	ServiceName       string `json:"service_name"`
	MethodName        string `json:"method_name"`
	SerializedRequest []byte `json:"serialized_request,omitempty"`
}

// Error is the failure description carried back to the client.
type Error struct {
	Msg string `json:"msg"`
}

// Response is the server → client arm of the envelope.
//
// A valid Response carries exactly one of SerializedResponse and Error.
// An empty SerializedResponse is a legal result (e.g. an empty reply struct
// encoded by the proto codec), so only Error decides which arm is present.
type Response struct {
	ID                 int64  `json:"id"`
	SerializedResponse []byte `json:"serialized_response,omitempty"`
	Error              *Error `json:"error,omitempty"`
}

// Failed reports whether the response carries an error instead of a result.
func (r *Response) Failed() bool {
	return r.Error != nil
}

// Validate checks that the response carries exactly one of result and error.
func (r *Response) Validate() error {
	if r.Error != nil && len(r.SerializedResponse) > 0 {
		return errors.NotValidf("response %d with both result and error", r.ID)
	}
	return nil
}

// RPCMessage carries a single RPC request or response.
type RPCMessage struct {
	Request  *Request  `json:"request,omitempty"`
	Response *Response `json:"response,omitempty"`
}

// HasRequest reports whether the request arm is set.
func (m *RPCMessage) HasRequest() bool {
	return m != nil && m.Request != nil
}

// HasResponse reports whether the response arm is set.
func (m *RPCMessage) HasResponse() bool {
	return m != nil && m.Response != nil
}

// MutableResponse returns the response arm, creating it if needed.
func (m *RPCMessage) MutableResponse() *Response {
	if m.Response == nil {
		m.Response = &Response{}
	}
	return m.Response
}

// Validate checks the envelope invariants: exactly one arm, and a request
// always names both a service and a method.
func (m *RPCMessage) Validate() error {
	switch {
	case m.Request != nil && m.Response != nil:
		return errors.NotValidf("envelope with both request and response")
	case m.Request != nil:
		if m.Request.ServiceName == "" || m.Request.MethodName == "" {
			return errors.NotValidf("request %d without service or method name", m.Request.ID)
		}
		return nil
	case m.Response != nil:
		return m.Response.Validate()
	}
	return errors.NotValidf("empty envelope")
}
