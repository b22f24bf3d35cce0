package transport

import (
	"io"
	"net"
	"sync/atomic"
	"weak"

	"github.com/juju/errors"
)

// MessageCallback receives the bytes buffered for a connection and returns
// how many of them it consumed. Returning 0 means "wait for more bytes".
type MessageCallback func(c *Connection, data []byte) int

// DisconnectCallback runs once when a connection goes away.
type DisconnectCallback func(c *Connection)

// Connection is one accepted stream, pinned to a single EventLoop.
// Unless noted otherwise its methods must be called on that loop.
type Connection struct {
	id      uint64
	loop    *EventLoop
	netConn net.Conn
	app     *Application

	userData     any
	onMessage    MessageCallback
	onDisconnect DisconnectCallback
	inbuf        []byte

	// closing is set as soon as a close is requested, from any goroutine.
	closing atomic.Bool
	// done is set once the socket is closed; loop goroutine only.
	done bool
}

// ID returns the process-wide unique id of the connection.
func (c *Connection) ID() uint64 { return c.id }

// Loop returns the event loop that owns the connection. Safe from any goroutine.
func (c *Connection) Loop() *EventLoop { return c.loop }

// RemoteAddr returns the peer address. Safe from any goroutine.
func (c *Connection) RemoteAddr() net.Addr { return c.netConn.RemoteAddr() }

func (c *Connection) SetUserData(v any) { c.userData = v }
func (c *Connection) UserData() any     { return c.userData }

func (c *Connection) SetOnMessage(cb MessageCallback)       { c.onMessage = cb }
func (c *Connection) SetOnDisconnect(cb DisconnectCallback) { c.onDisconnect = cb }

// Closed reports whether the connection is closed or closing.
// Safe from any goroutine.
func (c *Connection) Closed() bool {
	return c.closing.Load()
}

// Weak returns a handle that does not keep the connection usable after it
// closes. Safe from any goroutine.
func (c *Connection) Weak() WeakConn {
	return WeakConn{p: weak.Make(c)}
}

// SendPacket queues data to be written on the owning loop. It may be called
// from any goroutine; the caller must not modify data afterwards. It reports
// false, dropping data, if the connection is already closing.
func (c *Connection) SendPacket(data []byte) bool {
	if c.closing.Load() {
		return false
	}
	return c.loop.Execute(func() { c.write(data) })
}

// ActiveClose closes the connection from the server side. Packets queued
// before the call are still written. Safe from any goroutine.
func (c *Connection) ActiveClose() {
	if c.closing.Swap(true) {
		return
	}
	c.loop.Execute(func() { c.handleClose(nil) })
}

func (c *Connection) write(data []byte) {
	if c.done {
		return
	}
	if c.app.writeTimeout > 0 {
		_ = c.netConn.SetWriteDeadline(c.app.clock.Now().Add(c.app.writeTimeout))
	}
	if _, err := c.netConn.Write(data); err != nil {
		logger.Debugf("write to connection %d failed: %v", c.id, err)
		c.handleClose(errors.Trace(err))
	}
}

// handleData appends newly read bytes and feeds the message callback until
// it stops consuming or the connection starts closing.
func (c *Connection) handleData(data []byte) {
	if c.closing.Load() {
		return
	}
	c.inbuf = append(c.inbuf, data...)
	for len(c.inbuf) > 0 && !c.closing.Load() && c.onMessage != nil {
		n := c.onMessage(c, c.inbuf)
		if n <= 0 {
			break
		}
		if n > len(c.inbuf) {
			panic(errors.Errorf("message callback consumed %d of %d bytes", n, len(c.inbuf)))
		}
		c.inbuf = c.inbuf[n:]
	}
	if len(c.inbuf) == 0 {
		c.inbuf = nil
	} else if cap(c.inbuf) > 2*len(c.inbuf) {
		c.inbuf = append([]byte(nil), c.inbuf...)
	}
}

// handleClose tears the connection down exactly once and runs the
// disconnect callback. err is the read or write failure, if any.
func (c *Connection) handleClose(err error) {
	if c.done {
		return
	}
	c.done = true
	c.closing.Store(true)
	if err != nil && errors.Cause(err) != io.EOF {
		logger.Debugf("connection %d from %v closed: %v", c.id, c.netConn.RemoteAddr(), err)
	}
	_ = c.netConn.Close()
	delete(c.loop.conns, c.id)
	if c.onDisconnect != nil {
		c.onDisconnect(c)
	}
	c.userData = nil
	c.inbuf = nil
}

// readLoop runs on its own goroutine and hands every chunk to the loop.
func (c *Connection) readLoop(bufSize int) {
	defer c.app.readers.Done()
	buf := make([]byte, bufSize)
	for {
		n, err := c.netConn.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			if !c.loop.Execute(func() { c.handleData(data) }) {
				return
			}
		}
		if err != nil {
			c.loop.Execute(func() { c.handleClose(err) })
			return
		}
	}
}

// WeakConn refers to a connection without keeping it usable: Lock returns
// nil once the connection is closing or has been collected.
type WeakConn struct {
	p weak.Pointer[Connection]
}

// Lock resolves the handle. Safe from any goroutine.
func (w WeakConn) Lock() *Connection {
	c := w.p.Value()
	if c == nil || c.closing.Load() {
		return nil
	}
	return c
}
