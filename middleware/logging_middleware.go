package middleware

import (
	"context"

	"github.com/juju/clock"
)

// Logging logs every call with its duration once it completes. Failed calls
// are logged at warning level.
func Logging(clk clock.Clock) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *Invocation) {
			start := clk.Now()
			inv.Done = closureFor(inv, func(err error) {
				duration := clk.Now().Sub(start)
				if err != nil {
					logger.Warningf("%s.%s id=%d conn=%d failed after %v: %v",
						inv.Service, inv.Method, inv.ID, inv.ConnID, duration, err)
					return
				}
				logger.Debugf("%s.%s id=%d conn=%d done in %v",
					inv.Service, inv.Method, inv.ID, inv.ConnID, duration)
			})
			next(ctx, inv)
		}
	}
}
