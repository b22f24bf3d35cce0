package server

import (
	"github.com/juju/errors"

	"rpcore/closure"
	"rpcore/codec"
	"rpcore/message"
	"rpcore/middleware"
	"rpcore/transport"
)

// Channel is the per-connection dispatch state. All of its methods run on
// the event loop owning the connection.
type Channel struct {
	conn    *transport.Connection
	service *Service
	decoder codec.Decoder
	encoder codec.Encoder

	// currentID is the correlation id of the unit being dispatched, used
	// by OnError. Completions carry their own copy.
	currentID int64
}

func newChannel(conn *transport.Connection, s *Service) *Channel {
	dec, enc := s.strategy()
	return &Channel{
		conn:      conn,
		service:   s,
		decoder:   dec,
		encoder:   enc,
		currentID: message.NoID,
	}
}

func (ch *Channel) Connection() *transport.Connection { return ch.conn }
func (ch *Channel) Service() *Service                 { return ch.service }
func (ch *Channel) CurrentID() int64                  { return ch.currentID }

func (ch *Channel) SetDecoder(dec codec.Decoder) { ch.decoder = dec }

// SetEncoder replaces the encoder of future replies. Calls already in
// flight reply with the encoder they started with.
func (ch *Channel) SetEncoder(enc codec.Encoder) { ch.encoder = enc }

// OnData decodes one unit from the front of data. It returns n == 0 with a
// nil error while data is incomplete.
func (ch *Channel) OnData(data []byte) (message.Inbound, int, error) {
	if ch.decoder.B2M == nil {
		return message.Inbound{}, 0, errors.New("channel has no decoder")
	}
	msg, n, err := ch.decoder.B2M(data)
	if err != nil {
		return message.Inbound{}, 0, errors.Trace(err)
	}
	if n > len(data) {
		return message.Inbound{}, 0, errors.Errorf("decoder consumed %d of %d bytes", n, len(data))
	}
	return msg, n, nil
}

// OnMessage routes one decoded unit to its method.
func (ch *Channel) OnMessage(msg message.Inbound) error {
	var method string
	switch msg.Kind() {
	case message.KindHeartbeat:
		return nil

	case message.KindEnvelope:
		frame := msg.Frame()
		if !frame.HasRequest() {
			ch.currentID = message.NoID
			return noRequestError()
		}
		req := frame.Request
		ch.currentID = req.ID
		method = req.MethodName
		if req.ServiceName != ch.service.FullName() {
			logger.Debugf("%s: call for service %q", ch.service.FullName(), req.ServiceName)
			return noServiceError(req.ServiceName)
		}

	case message.KindRaw:
		ch.currentID = message.NoID
		selector := ch.service.methodSelector
		if selector == nil {
			logger.Errorf("%s: raw message but no method selector", ch.service.FullName())
			return noSelectorError(ch.service.FullName())
		}
		var err error
		method, err = selector(msg.Value())
		if err != nil {
			return &dispatchError{cause: ErrMethodUndetermined, msg: err.Error()}
		}
		logger.Tracef("%s: selector chose method %q", ch.service.FullName(), method)

	default:
		ch.currentID = message.NoID
		return protocolError("inbound unit of %s kind", msg.Kind())
	}
	return ch.invoke(method, msg)
}

// invoke builds the call for method and runs it through the service's
// middleware chain.
func (ch *Channel) invoke(method string, msg message.Inbound) error {
	s := ch.service
	m, ok := s.table.FindMethod(method)
	if !ok {
		logger.Debugf("%s: no method %q", s.FullName(), method)
		return noMethodError(method)
	}

	var req any
	if ch.decoder.M2M != nil {
		req = s.table.NewRequest(m)
		if err := ch.decoder.M2M(msg, req); err != nil {
			if errors.Is(err, codec.ErrBadPayload) {
				return errors.Trace(err)
			}
			return protocolError("decoding %s request: %v", method, err)
		}
	} else {
		req = msg.Value()
	}
	resp := s.table.NewResponse(m)

	inv := &middleware.Invocation{
		Service:  s.FullName(),
		Method:   method,
		ID:       ch.currentID,
		ConnID:   ch.conn.ID(),
		Request:  req,
		Response: resp,
		Done:     ch.completion(ch.currentID, resp),
	}
	s.chain()(s.ctx, inv)
	return nil
}

// completion returns the Closure finishing a call. It holds the connection
// weakly: a reply completed after the connection went away is dropped.
func (ch *Channel) completion(id int64, resp any) *closure.Closure {
	wconn := ch.conn.Weak()
	enc := ch.encoder.Pinned()
	s := ch.service
	return closure.New(func(err error) {
		onServDone(s, enc, wconn, id, resp, err)
	})
}

// onServDone sends the reply of a finished call. It may run on any
// goroutine; the send itself is handed to the connection's loop.
func onServDone(s *Service, enc codec.Encoder, wconn transport.WeakConn, id int64, resp any, err error) {
	conn := wconn.Lock()
	if conn == nil {
		logger.Tracef("%s: dropping reply %d, connection gone", s.FullName(), id)
		s.metrics.ReplyDropped(s.FullName())
		return
	}
	frame := &message.RPCMessage{Response: &message.Response{ID: wireID(id)}}
	if err != nil {
		frame.Response.Error = &message.Error{Msg: err.Error()}
		resp = nil
	}
	send(enc, conn, frame, resp)
}

// OnError answers the unit being dispatched with err. It never closes the
// connection itself.
func (ch *Channel) OnError(err error) {
	rsp := &message.Response{ID: wireID(ch.currentID), Error: &message.Error{Msg: err.Error()}}
	send(ch.encoder, ch.conn, &message.RPCMessage{Response: rsp}, nil)
}

// wireID is the id a reply carries: units without one are answered as id 0.
func wireID(id int64) int64 {
	if id == message.NoID {
		return 0
	}
	return id
}

// send encodes a response frame and queues it on conn. Failing to encode a
// reply the server itself produced is a broken invariant and panics.
func send(enc codec.Encoder, conn *transport.Connection, frame *message.RPCMessage, resp any) {
	if enc.M2F != nil {
		if err := enc.M2F(resp, frame); err != nil {
			panic(errors.Annotatef(err, "encoding reply %d", frame.Response.ID))
		}
	}
	var data []byte
	if enc.F2B != nil {
		var err error
		if data, err = enc.F2B(frame); err != nil {
			panic(errors.Annotatef(err, "serializing reply %d", frame.Response.ID))
		}
	} else {
		data = frame.Response.SerializedResponse
	}
	if len(data) == 0 {
		return
	}
	if !conn.SendPacket(data) {
		logger.Tracef("reply %d not sent, connection %d closing", frame.Response.ID, conn.ID())
	}
}
