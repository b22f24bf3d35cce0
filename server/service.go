// Package server implements the dispatch core of an RPC server.
//
// A Service binds one MethodTable to one address. Every accepted
// connection gets a Channel, pinned to the event loop that owns the
// connection:
//
//	bytes -> Channel.OnData (decode) -> Channel.OnMessage (route)
//	  -> middleware chain -> MethodTable.CallMethod
//	  -> Closure.Run (any goroutine) -> encode -> Connection.SendPacket
//
// Failures are sorted by Classify into those answered with an error reply,
// those answered and followed by a close, and those that close silently.
package server

import (
	"context"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"rpcore/codec"
	"rpcore/metrics"
	"rpcore/middleware"
	"rpcore/registry"
	"rpcore/transport"
)

var logger = loggo.GetLogger("rpcore.server")

// DefaultRegistryTTL is the lease, in seconds, under which a started service
// is advertised.
const DefaultRegistryTTL = 10

// Service dispatches the calls arriving on its connections to a method
// table.
type Service struct {
	app   *transport.Application
	table MethodTable

	bindAddr   string
	listenAddr net.Addr

	methodSelector  func(msg any) (string, error)
	onCreateChannel func(*Channel)
	strategy        codec.Strategy

	// channels[i] is only touched from the goroutine of event loop i.
	channels []map[uint64]*Channel

	middlewares []middleware.Middleware
	buildOnce   sync.Once
	handler     middleware.HandlerFunc

	registry      registry.Registry
	advertiseAddr string
	metrics       *metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc
}

// NewService returns a Service serving table on app. Register it with
// app.Register before it accepts connections.
func NewService(app *transport.Application, table MethodTable) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		app:      app,
		table:    table,
		strategy: codec.Framed(&codec.JSONCodec{}, codec.CodecTypeJSON),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// NewReflectService builds a Service over the exported methods of rcvr.
func NewReflectService(app *transport.Application, name string, rcvr any) (*Service, error) {
	table, err := NewReflectTable(name, rcvr)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return NewService(app, table), nil
}

func (s *Service) FullName() string {
	return s.table.FullName()
}

// SetBindAddr sets the address Start listens on. It may be set only once.
func (s *Service) SetBindAddr(addr string) {
	if s.bindAddr != "" {
		panic("server: bind address of " + s.FullName() + " already set to " + s.bindAddr)
	}
	if addr == "" {
		panic("server: empty bind address for " + s.FullName())
	}
	s.bindAddr = addr
}

// Addr returns the bound listen address once Start has succeeded.
func (s *Service) Addr() net.Addr {
	return s.listenAddr
}

// SetMethodSelector installs the function naming the method of a raw
// message. Raw messages carry no method name of their own.
func (s *Service) SetMethodSelector(fn func(msg any) (string, error)) {
	s.methodSelector = fn
}

// SetOnCreateChannel installs a hook run for every new Channel, on its
// loop, before any data is read. It may replace the channel's codecs.
func (s *Service) SetOnCreateChannel(fn func(*Channel)) {
	s.onCreateChannel = fn
}

// SetStrategy replaces the codec strategy given to new channels.
func (s *Service) SetStrategy(strategy codec.Strategy) {
	s.strategy = strategy
}

// Use appends middlewares to the chain. The chain is fixed when the first
// connection arrives.
func (s *Service) Use(mws ...middleware.Middleware) {
	s.middlewares = append(s.middlewares, mws...)
}

// SetRegistry makes Start advertise the service at advertiseAddr, or at
// the bound address when advertiseAddr is empty.
func (s *Service) SetRegistry(reg registry.Registry, advertiseAddr string) {
	s.registry = reg
	s.advertiseAddr = advertiseAddr
}

func (s *Service) SetMetrics(col *metrics.Collector) {
	s.metrics = col
}

// OnRegister sizes the per-loop channel shards. The application calls it
// from Register.
func (s *Service) OnRegister() {
	s.channels = make([]map[uint64]*Channel, s.app.NumOfWorker())
	for i := range s.channels {
		s.channels[i] = make(map[uint64]*Channel)
	}
}

// Start listens on the bind address. It reports false when no address was
// set or listening failed.
func (s *Service) Start() bool {
	if s.bindAddr == "" {
		logger.Errorf("service %s has no bind address", s.FullName())
		return false
	}
	s.chain()
	addr, err := s.app.Listen(s.bindAddr, s.OnNewConnection)
	if err != nil {
		logger.Errorf("service %s cannot start: %v", s.FullName(), err)
		return false
	}
	s.listenAddr = addr
	logger.Infof("service %s listening on %v", s.FullName(), addr)

	if s.registry != nil {
		if s.advertiseAddr == "" {
			s.advertiseAddr = addr.String()
		}
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		defer cancel()
		err := s.registry.Register(ctx, s.FullName(), registry.ServiceInstance{Addr: s.advertiseAddr}, DefaultRegistryTTL)
		if err != nil {
			logger.Warningf("service %s not registered at %s: %v", s.FullName(), s.advertiseAddr, err)
		}
	}
	return true
}

// Stop withdraws the service from the registry and cancels the context of
// calls still running. Connections are closed by the application.
func (s *Service) Stop(ctx context.Context) error {
	defer s.cancel()
	if s.registry == nil || s.listenAddr == nil {
		return nil
	}
	if err := s.registry.Deregister(ctx, s.FullName(), s.advertiseAddr); err != nil {
		return errors.Annotatef(err, "deregistering %s", s.FullName())
	}
	return nil
}

// Channel returns the channel of a connection. It must be called on event
// loop loopID.
func (s *Service) Channel(loopID int, connID uint64) (*Channel, bool) {
	ch, ok := s.channels[loopID][connID]
	return ch, ok
}

// NumChannels returns the number of open channels on a loop. It must be
// called on that loop.
func (s *Service) NumChannels(loopID int) int {
	return len(s.channels[loopID])
}

func (s *Service) chain() middleware.HandlerFunc {
	s.buildOnce.Do(func() {
		s.handler = middleware.Chain(s.middlewares...)(s.call)
	})
	return s.handler
}

// call is the innermost handler of the chain.
func (s *Service) call(ctx context.Context, inv *middleware.Invocation) {
	m, _ := s.table.FindMethod(inv.Method)
	s.table.CallMethod(ctx, m, inv.Request, inv.Response, inv.Done)
}

// OnNewConnection attaches a new Channel to conn. It runs on the loop
// owning conn.
func (s *Service) OnNewConnection(conn *transport.Connection) {
	if s.channels == nil {
		panic("server: service " + s.FullName() + " not registered with the application")
	}
	loopID := conn.Loop().ID()
	if loopID >= len(s.channels) {
		panic(errors.Errorf("server: loop %d out of range for service %s", loopID, s.FullName()))
	}
	s.chain()

	ch := newChannel(conn, s)
	conn.SetUserData(ch)
	shard := s.channels[loopID]
	if _, dup := shard[conn.ID()]; dup {
		panic(errors.Errorf("server: duplicate connection id %d on loop %d", conn.ID(), loopID))
	}
	shard[conn.ID()] = ch
	s.metrics.ConnectionOpened(s.FullName(), loopID)
	logger.Debugf("%s: connection %d from %v on loop %d", s.FullName(), conn.ID(), conn.RemoteAddr(), loopID)

	if s.onCreateChannel != nil {
		s.onCreateChannel(ch)
	}
	conn.SetOnDisconnect(s.onDisconnect)
	conn.SetOnMessage(s.onMessage)
}

func (s *Service) onDisconnect(conn *transport.Connection) {
	loopID := conn.Loop().ID()
	shard := s.channels[loopID]
	if _, ok := shard[conn.ID()]; !ok {
		panic(errors.Errorf("server: disconnect of unknown connection %d on loop %d", conn.ID(), loopID))
	}
	delete(shard, conn.ID())
	s.metrics.ConnectionClosed(s.FullName(), loopID)
	logger.Debugf("%s: connection %d closed", s.FullName(), conn.ID())
}

// onMessage decodes and dispatches at most one unit from data and returns
// the bytes consumed. No failure escapes it: each one ends in an error
// reply, a close, or both.
func (s *Service) onMessage(conn *transport.Connection, data []byte) (consumed int) {
	ch, ok := conn.UserData().(*Channel)
	if !ok {
		logger.Errorf("%s: connection %d has no channel", s.FullName(), conn.ID())
		conn.ActiveClose()
		return 0
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("%s: dispatch on connection %d panicked: %v\n%s", s.FullName(), conn.ID(), r, debug.Stack())
			s.metrics.DispatchFailure(s.FullName(), TierFatal.String())
			conn.ActiveClose()
		}
	}()

	msg, n, err := ch.OnData(data)
	if err != nil {
		logger.Errorf("%s: bad data on connection %d: %v", s.FullName(), conn.ID(), err)
		s.metrics.DispatchFailure(s.FullName(), TierFraming.String())
		conn.ActiveClose()
		return 0
	}
	if n == 0 {
		return 0
	}
	consumed = n

	if err := ch.OnMessage(msg); err != nil {
		tier := Classify(err)
		s.metrics.DispatchFailure(s.FullName(), tier.String())
		switch tier {
		case TierRecoverable:
			logger.Debugf("%s: connection %d: %v", s.FullName(), conn.ID(), err)
			ch.OnError(err)
		case TierUnrecoverable:
			logger.Warningf("%s: closing connection %d: %v", s.FullName(), conn.ID(), err)
			ch.OnError(err)
			conn.ActiveClose()
		default:
			logger.Errorf("%s: closing connection %d on unexpected error: %v", s.FullName(), conn.ID(), err)
			conn.ActiveClose()
		}
	}
	return consumed
}
