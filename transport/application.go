// Package transport is the event-loop layer under the RPC core.
//
// An Application runs a fixed set of EventLoop workers. Each accepted
// connection is pinned to one loop for its whole life: its message and
// disconnect callbacks, and every packet written to it, run on that loop's
// goroutine. Reads happen on a per-connection goroutine that only hands the
// bytes over to the loop.
//
//	acceptor ──Attach──► loop[i] ◄──Execute── reader goroutine (bytes)
//	                        │    ◄──Execute── SendPacket (any goroutine)
//	                        ▼
//	          OnMessage / OnDisconnect / socket writes
package transport

import (
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"gopkg.in/tomb.v2"
)

var logger = loggo.GetLogger("rpcore.transport")

// Config holds the settings of an Application.
type Config struct {
	// Workers is the number of event loops; 0 means GOMAXPROCS.
	Workers int
	// ReadBufferSize is the size of each socket read.
	ReadBufferSize int
	// WriteTimeout bounds a single socket write; 0 disables it.
	WriteTimeout time.Duration
	// Clock is used for deadlines and accept backoff.
	Clock clock.Clock
}

// DefaultConfig returns the configuration used when fields are left zero.
func DefaultConfig() Config {
	return Config{
		Workers:        runtime.GOMAXPROCS(0),
		ReadBufferSize: 64 << 10,
		WriteTimeout:   10 * time.Second,
		Clock:          clock.WallClock,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Workers <= 0 {
		return errors.NotValidf("%d workers", c.Workers)
	}
	if c.ReadBufferSize <= 0 {
		return errors.NotValidf("read buffer size %d", c.ReadBufferSize)
	}
	if c.WriteTimeout < 0 {
		return errors.NotValidf("negative write timeout")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Registrant is a service that sizes its per-worker state once the number
// of workers is known.
type Registrant interface {
	OnRegister()
}

// Application owns the event loops and the listeners feeding them.
type Application struct {
	tomb    tomb.Tomb
	loops   []*EventLoop
	readers sync.WaitGroup

	clock        clock.Clock
	readBufSize  int
	writeTimeout time.Duration

	nextConnID atomic.Uint64
	nextLoop   atomic.Uint64

	mu        sync.Mutex
	listeners []net.Listener
}

// NewApplication starts the event loops described by cfg. Zero fields take
// their values from DefaultConfig.
func NewApplication(cfg Config) (*Application, error) {
	def := DefaultConfig()
	if cfg.Workers == 0 {
		cfg.Workers = def.Workers
	}
	if cfg.ReadBufferSize == 0 {
		cfg.ReadBufferSize = def.ReadBufferSize
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	a := &Application{
		loops:        make([]*EventLoop, cfg.Workers),
		clock:        cfg.Clock,
		readBufSize:  cfg.ReadBufferSize,
		writeTimeout: cfg.WriteTimeout,
	}
	for i := range a.loops {
		loop := newEventLoop(i)
		a.loops[i] = loop
		a.tomb.Go(func() error {
			return loop.run(a.tomb.Dying())
		})
	}
	return a, nil
}

// NumOfWorker returns the number of event loops.
func (a *Application) NumOfWorker() int {
	return len(a.loops)
}

// Loop returns the event loop with the given worker id.
func (a *Application) Loop(id int) *EventLoop {
	return a.loops[id]
}

// Register lets a service size its per-worker state. It must be called
// before the service accepts its first connection.
func (a *Application) Register(r Registrant) {
	r.OnRegister()
}

// Listen binds addr and feeds accepted connections to onNew, which runs on
// the loop each connection is pinned to. It returns the bound address.
func (a *Application) Listen(addr string, onNew func(*Connection)) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Annotatef(err, "cannot listen on %q", addr)
	}
	if err := a.Serve(ln, onNew); err != nil {
		_ = ln.Close()
		return nil, errors.Trace(err)
	}
	logger.Infof("listening on %v", ln.Addr())
	return ln.Addr(), nil
}

// Serve accepts connections from ln until the application shuts down.
func (a *Application) Serve(ln net.Listener, onNew func(*Connection)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	select {
	case <-a.tomb.Dying():
		return errors.New("application is shutting down")
	default:
	}
	a.listeners = append(a.listeners, ln)
	acc := &acceptor{app: a, ln: ln, onNew: onNew}
	a.tomb.Go(acc.loop)
	return nil
}

// Attach pins an already established connection to the next loop in
// round-robin order and runs onNew for it there.
func (a *Application) Attach(netConn net.Conn, onNew func(*Connection)) {
	loop := a.loops[a.nextLoop.Add(1)%uint64(len(a.loops))]
	c := &Connection{
		id:      a.nextConnID.Add(1),
		loop:    loop,
		netConn: netConn,
		app:     a,
	}
	a.readers.Add(1)
	ok := loop.Execute(func() {
		loop.conns[c.id] = c
		onNew(c)
		go c.readLoop(a.readBufSize)
	})
	if !ok {
		a.readers.Done()
		_ = netConn.Close()
	}
}

// Dead is closed once every loop and acceptor has stopped.
func (a *Application) Dead() <-chan struct{} {
	return a.tomb.Dead()
}

// Err returns the reason the application stopped, if it died on its own.
func (a *Application) Err() error {
	return a.tomb.Err()
}

// Shutdown stops accepting, closes every connection (running their
// disconnect callbacks on their loops) and waits for all goroutines.
func (a *Application) Shutdown() error {
	a.mu.Lock()
	a.tomb.Kill(nil)
	for _, ln := range a.listeners {
		_ = ln.Close()
	}
	a.listeners = nil
	a.mu.Unlock()

	err := a.tomb.Wait()
	a.readers.Wait()
	return errors.Trace(err)
}
