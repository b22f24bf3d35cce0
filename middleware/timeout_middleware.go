package middleware

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"rpcore/closure"
)

// ErrTimeout is the reply to calls that outlive the Timeout middleware.
const ErrTimeout = errors.ConstError("request timed out")

// Timeout answers a call with ErrTimeout when it has not completed within
// d. The method keeps running with a cancelled context; its own completion,
// if it ever comes, is dropped. Exactly one reply is sent either way.
func Timeout(clk clock.Clock, d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *Invocation) {
			ctx, cancel := context.WithCancel(ctx)
			done := inv.Done
			var finished atomic.Bool
			finish := func(err error) bool {
				if !finished.CompareAndSwap(false, true) {
					return false
				}
				cancel()
				done.Run(err)
				return true
			}

			timer := clk.AfterFunc(d, func() {
				if finish(ErrTimeout) {
					logger.Debugf("%s.%s id=%d timed out after %v", inv.Service, inv.Method, inv.ID, d)
				}
			})
			inv.Done = closure.New(func(err error) {
				timer.Stop()
				if !finish(err) {
					logger.Tracef("%s.%s id=%d completed after timeout", inv.Service, inv.Method, inv.ID)
				}
			})
			next(ctx, inv)
		}
	}
}
