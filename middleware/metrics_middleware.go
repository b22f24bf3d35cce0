package middleware

import (
	"context"

	"github.com/juju/clock"

	"rpcore/metrics"
)

// Metrics records the outcome and latency of every call in col.
func Metrics(col *metrics.Collector, clk clock.Clock) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *Invocation) {
			start := clk.Now()
			col.RequestStarted(inv.Service, inv.Method)
			inv.Done = closureFor(inv, func(err error) {
				col.RequestDone(inv.Service, inv.Method, err, clk.Now().Sub(start))
			})
			next(ctx, inv)
		}
	}
}
