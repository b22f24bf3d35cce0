package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.ConnectionOpened("Calc", 0)
	c.ConnectionClosed("Calc", 0)
	c.RequestStarted("Calc", "Add")
	c.RequestDone("Calc", "Add", nil, time.Second)
	c.DispatchFailure("Calc", "recoverable")
	c.ReplyDropped("Calc")
}

func TestCollectorCounts(t *testing.T) {
	c := qt.New(t)

	col := New()
	reg := prometheus.NewPedanticRegistry()
	c.Assert(reg.Register(col), qt.IsNil)

	col.ConnectionOpened("Calc", 1)
	col.ConnectionOpened("Calc", 1)
	col.ConnectionClosed("Calc", 1)
	c.Assert(testutil.ToFloat64(col.connections.WithLabelValues("Calc", "1")), qt.Equals, 1.0)

	col.RequestStarted("Calc", "Add")
	col.RequestStarted("Calc", "Add")
	col.RequestDone("Calc", "Add", nil, 10*time.Millisecond)
	col.RequestDone("Calc", "Add", errors.New("boom"), 20*time.Millisecond)
	c.Assert(testutil.ToFloat64(col.inflight.WithLabelValues("Calc", "Add")), qt.Equals, 0.0)
	c.Assert(testutil.ToFloat64(col.requests.WithLabelValues("Calc", "Add", "ok")), qt.Equals, 1.0)
	c.Assert(testutil.ToFloat64(col.requests.WithLabelValues("Calc", "Add", "error")), qt.Equals, 1.0)

	col.DispatchFailure("Calc", "unrecoverable")
	col.ReplyDropped("Calc")

	err := testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP rpcore_dispatch_failures_total Failures caught at the dispatch boundary, by tier.
# TYPE rpcore_dispatch_failures_total counter
rpcore_dispatch_failures_total{service="Calc",tier="unrecoverable"} 1
# HELP rpcore_replies_dropped_total Completions discarded because the connection had gone.
# TYPE rpcore_replies_dropped_total counter
rpcore_replies_dropped_total{service="Calc"} 1
`), "rpcore_dispatch_failures_total", "rpcore_replies_dropped_total")
	c.Assert(err, qt.IsNil)

	n, err := testutil.GatherAndCount(reg, "rpcore_request_duration_seconds")
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, 1)
}
