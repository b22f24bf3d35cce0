// Package middleware wraps method invocation in an onion of handlers.
//
// Completion is asynchronous: a handler does not return the reply, it
// arranges for inv.Done to be run exactly once. Middleware that wants to see
// the outcome swaps inv.Done for a wrapping closure before calling next.
package middleware

import (
	"context"

	"github.com/juju/loggo"

	"rpcore/closure"
)

var logger = loggo.GetLogger("rpcore.middleware")

// Invocation is one call travelling through the chain.
type Invocation struct {
	Service string
	Method  string
	// ID is the correlation id of the call, message.NoID for raw messages.
	ID     int64
	ConnID uint64

	Request  any
	Response any

	// Done completes the call. Exactly one handler in the chain runs it.
	Done *closure.Closure
}

type HandlerFunc func(ctx context.Context, inv *Invocation)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so the first one given is the outermost:
// Chain(A, B, C)(h) is A(B(C(h))).
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// closureFor wraps inv.Done so observe sees the outcome first.
func closureFor(inv *Invocation, observe func(err error)) *closure.Closure {
	return closure.Wrap(inv.Done, observe)
}
