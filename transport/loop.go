package transport

import (
	"sync"
)

// EventLoop is one worker of an Application. Every callback of the
// connections pinned to a loop runs on that loop's goroutine, one at a time,
// so per-connection state needs no locking.
type EventLoop struct {
	id int

	mu      sync.Mutex
	pending []func()
	stopped bool
	wake    chan struct{}

	// conns is only touched from the loop goroutine.
	conns map[uint64]*Connection
}

func newEventLoop(id int) *EventLoop {
	return &EventLoop{
		id:    id,
		wake:  make(chan struct{}, 1),
		conns: make(map[uint64]*Connection),
	}
}

// ID returns the worker index of the loop, in [0, NumOfWorker).
func (l *EventLoop) ID() int {
	return l.id
}

// Execute queues fn to run on the loop goroutine and returns immediately.
// The queue is unbounded so the loop itself may post work without
// deadlocking. It reports false once the loop has stopped; fn is then
// dropped.
func (l *EventLoop) Execute(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Sync runs fn on the loop goroutine and waits for it to finish.
// It must not be called from the loop goroutine itself.
func (l *EventLoop) Sync(fn func()) bool {
	done := make(chan struct{})
	if !l.Execute(func() {
		defer close(done)
		fn()
	}) {
		return false
	}
	<-done
	return true
}

// NumConnections returns the number of live connections on the loop.
// It must be called on the loop goroutine.
func (l *EventLoop) NumConnections() int {
	return len(l.conns)
}

func (l *EventLoop) run(dying <-chan struct{}) error {
	for {
		select {
		case <-dying:
			l.stop()
			return nil
		case <-l.wake:
		}

		l.mu.Lock()
		tasks := l.pending
		l.pending = nil
		l.mu.Unlock()

		for _, task := range tasks {
			task()
		}
	}
}

// stop refuses new work, runs what was already queued and closes every
// connection still on the loop, running their disconnect callbacks here on
// the loop goroutine.
func (l *EventLoop) stop() {
	l.mu.Lock()
	l.stopped = true
	tasks := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, task := range tasks {
		task()
	}
	for _, c := range l.conns {
		c.handleClose(nil)
	}
}
