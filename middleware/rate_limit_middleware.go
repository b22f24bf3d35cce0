package middleware

import (
	"context"

	"github.com/juju/errors"
	"golang.org/x/time/rate"
)

// ErrRateLimited is the reply to calls rejected by RateLimit.
const ErrRateLimited = errors.ConstError("rate limit exceeded")

// RateLimit admits calls through a token bucket refilled at r per second
// with the given burst. Rejected calls complete at once with ErrRateLimited
// and never reach the method.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *Invocation) {
			if !limiter.Allow() {
				inv.Done.Run(ErrRateLimited)
				return
			}
			next(ctx, inv)
		}
	}
}
