package main

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"rpcore/closure"
)

type Args struct {
	A, B int
}

type SlowArgs struct {
	A, B  int
	Delay time.Duration
}

type Reply struct {
	Result int
}

// Calc is the demo service.
type Calc struct {
	clock clock.Clock
}

func (c *Calc) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (c *Calc) Mul(args *Args, reply *Reply) error {
	reply.Result = args.A * args.B
	return nil
}

func (c *Calc) Div(args *Args, reply *Reply) error {
	if args.B == 0 {
		return errors.New("division by zero")
	}
	reply.Result = args.A / args.B
	return nil
}

// SlowAdd answers after args.Delay without holding the event loop.
func (c *Calc) SlowAdd(ctx context.Context, args *SlowArgs, reply *Reply, done *closure.Closure) {
	if args.Delay <= 0 {
		reply.Result = args.A + args.B
		done.Run(nil)
		return
	}
	c.clock.AfterFunc(args.Delay, func() {
		if err := ctx.Err(); err != nil {
			done.Run(errors.Annotate(err, "slow add"))
			return
		}
		reply.Result = args.A + args.B
		done.Run(nil)
	})
}
