package server

import (
	"github.com/juju/errors"

	"rpcore/codec"
	"rpcore/protocol"
)

// Sentinel causes of dispatch failures. Test with errors.Is.
const (
	ErrNoService          = errors.ConstError("no such service")
	ErrNoRequest          = errors.ConstError("no request in message")
	ErrMethodUndetermined = errors.ConstError("method undetermined")
	ErrProtocol           = errors.ConstError("protocol violation")
)

// dispatchError carries the text sent back to the caller and the sentinel
// deciding what happens to the connection.
type dispatchError struct {
	cause error
	msg   string
}

func (e *dispatchError) Error() string { return e.msg }
func (e *dispatchError) Unwrap() error { return e.cause }

func noServiceError(name string) error {
	return &dispatchError{cause: ErrNoService, msg: "Not find service [" + name + "]"}
}

func noMethodError(name string) error {
	return &dispatchError{cause: ErrMethodUndetermined, msg: "Not find method [" + name + "]"}
}

func noSelectorError(service string) error {
	return &dispatchError{cause: ErrMethodUndetermined, msg: "methodSelector not set for [" + service + "]"}
}

func noRequestError() error {
	return &dispatchError{cause: ErrNoRequest, msg: "Not find request"}
}

func protocolError(format string, args ...any) error {
	return &dispatchError{cause: ErrProtocol, msg: errors.Errorf(format, args...).Error()}
}

// Tier says how a dispatch failure is handled.
type Tier int

const (
	// TierRecoverable failures are answered with an error reply; the
	// connection stays open.
	TierRecoverable Tier = iota + 1
	// TierUnrecoverable failures are answered, then the connection is closed.
	TierUnrecoverable
	// TierFraming failures leave the byte stream unusable; the connection is
	// closed without a reply.
	TierFraming
	// TierFatal covers everything unexpected, panics included: logged, and
	// the connection is closed without a reply.
	TierFatal
)

func (t Tier) String() string {
	switch t {
	case TierRecoverable:
		return "recoverable"
	case TierUnrecoverable:
		return "unrecoverable"
	case TierFraming:
		return "framing"
	case TierFatal:
		return "fatal"
	}
	return "unknown"
}

// Classify maps a dispatch failure to its tier.
func Classify(err error) Tier {
	switch {
	case errors.Is(err, ErrNoService),
		errors.Is(err, ErrNoRequest),
		errors.Is(err, ErrMethodUndetermined),
		errors.Is(err, codec.ErrBadPayload):
		return TierRecoverable
	case errors.Is(err, ErrProtocol):
		return TierUnrecoverable
	case errors.Is(err, protocol.ErrFraming):
		return TierFraming
	}
	return TierFatal
}
