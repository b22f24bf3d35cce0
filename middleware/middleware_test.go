package middleware

import (
	"context"
	"errors"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/juju/clock/testclock"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"rpcore/closure"
	"rpcore/metrics"
)

type result struct {
	err   error
	calls int
}

func newInvocation(res *result) *Invocation {
	return &Invocation{
		Service: "Arith",
		Method:  "Add",
		ID:      7,
		Done: closure.New(func(err error) {
			res.calls++
			res.err = err
		}),
	}
}

// echoHandler completes the call before returning.
func echoHandler(ctx context.Context, inv *Invocation) {
	inv.Done.Run(nil)
}

func failingHandler(ctx context.Context, inv *Invocation) {
	inv.Done.Run(errors.New("division by zero"))
}

func TestLogging(t *testing.T) {
	c := qt.New(t)
	clk := testclock.NewClock(time.Now())

	var res result
	Logging(clk)(echoHandler)(context.Background(), newInvocation(&res))
	c.Assert(res.calls, qt.Equals, 1)
	c.Assert(res.err, qt.IsNil)

	res = result{}
	Logging(clk)(failingHandler)(context.Background(), newInvocation(&res))
	c.Assert(res.err, qt.ErrorMatches, "division by zero")
}

func TestTimeoutPass(t *testing.T) {
	c := qt.New(t)
	clk := testclock.NewClock(time.Now())

	var res result
	Timeout(clk, 500*time.Millisecond)(echoHandler)(context.Background(), newInvocation(&res))
	c.Assert(res.calls, qt.Equals, 1)
	c.Assert(res.err, qt.IsNil)

	// The timer was stopped; firing the clock later must not reply again.
	clk.Advance(time.Second)
	c.Assert(res.calls, qt.Equals, 1)
}

func TestTimeoutExceeded(t *testing.T) {
	c := qt.New(t)
	clk := testclock.NewClock(time.Now())

	replied := make(chan error, 2)
	inv := &Invocation{Service: "Arith", Method: "Slow", ID: 3,
		Done: closure.New(func(err error) { replied <- err })}

	var late *closure.Closure
	var methodCtx context.Context
	slow := func(ctx context.Context, inv *Invocation) {
		methodCtx = ctx
		late = inv.Done
	}
	Timeout(clk, 50*time.Millisecond)(slow)(context.Background(), inv)

	c.Assert(clk.WaitAdvance(50*time.Millisecond, time.Second, 1), qt.IsNil)
	select {
	case err := <-replied:
		c.Assert(err, qt.Equals, ErrTimeout)
		c.Assert(err, qt.ErrorMatches, "request timed out")
	case <-time.After(5 * time.Second):
		c.Fatal("timeout reply not sent")
	}
	c.Assert(methodCtx.Err(), qt.Equals, context.Canceled)

	// The method finishing late is swallowed.
	late.Run(nil)
	select {
	case err := <-replied:
		c.Fatalf("second reply %v", err)
	default:
	}
}

func TestRateLimit(t *testing.T) {
	c := qt.New(t)

	// rate=1 per second, burst=2: two calls pass at once, the third is refused.
	handler := RateLimit(1, 2)(echoHandler)
	for i := 0; i < 2; i++ {
		var res result
		handler(context.Background(), newInvocation(&res))
		c.Assert(res.err, qt.IsNil, qt.Commentf("call %d", i))
	}

	var res result
	reached := false
	RateLimit(0, 0)(func(ctx context.Context, inv *Invocation) {
		reached = true
		inv.Done.Run(nil)
	})(context.Background(), newInvocation(&res))
	c.Assert(reached, qt.IsFalse)
	c.Assert(res.err, qt.ErrorMatches, "rate limit exceeded")

	res = result{}
	handler(context.Background(), newInvocation(&res))
	c.Assert(res.err, qt.Equals, ErrRateLimited)
	c.Assert(res.calls, qt.Equals, 1)
}

func TestMetrics(t *testing.T) {
	c := qt.New(t)
	clk := testclock.NewClock(time.Now())
	col := metrics.New()

	var res result
	Metrics(col, clk)(echoHandler)(context.Background(), newInvocation(&res))
	res = result{}
	Metrics(col, clk)(failingHandler)(context.Background(), newInvocation(&res))

	n := testutil.CollectAndCount(col, "rpcore_requests_total")
	c.Assert(n, qt.Equals, 2)
}

func TestChain(t *testing.T) {
	c := qt.New(t)
	clk := testclock.NewClock(time.Now())

	var order []string
	trace := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, inv *Invocation) {
				order = append(order, name+".before")
				inv.Done = closureFor(inv, func(error) { order = append(order, name+".done") })
				next(ctx, inv)
			}
		}
	}

	var res result
	handler := Chain(trace("A"), Logging(clk), trace("B"), Timeout(clk, time.Second))(echoHandler)
	handler(context.Background(), newInvocation(&res))

	c.Assert(res.calls, qt.Equals, 1)
	c.Assert(res.err, qt.IsNil)
	c.Assert(order, qt.DeepEquals, []string{"A.before", "B.before", "B.done", "A.done"})
}
