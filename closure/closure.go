// Package closure provides the one-shot completion handle given to every
// invoked RPC method.
//
// A method finishes a call by running its Closure exactly once, from any
// goroutine, either before it returns or at any later time. Running it
// produces the reply; the handle is spent afterwards.
package closure

import (
	"sync/atomic"
)

// Closure is a one-shot continuation. The zero value is not usable; create
// one with New.
type Closure struct {
	fn    func(err error)
	fired atomic.Bool
}

// New returns a Closure that calls fn when run.
func New(fn func(err error)) *Closure {
	if fn == nil {
		panic("closure: nil callback")
	}
	return &Closure{fn: fn}
}

// Run completes the call. A nil err means the reply value is ready; a
// non-nil err is sent back to the caller instead of the reply.
//
// Run must be called exactly once. Calling it again is a programming error
// and panics: the callback has already been consumed.
func (c *Closure) Run(err error) {
	if c.fired.Swap(true) {
		panic("closure: Run called more than once")
	}
	fn := c.fn
	c.fn = nil
	fn(err)
}

// Fired reports whether Run has been called.
func (c *Closure) Fired() bool {
	return c.fired.Load()
}

// Wrap returns a Closure that runs before(err) and then next. Middleware
// uses it to observe completion without consuming the caller's handle.
func Wrap(next *Closure, before func(err error)) *Closure {
	return New(func(err error) {
		before(err)
		next.Run(err)
	})
}
