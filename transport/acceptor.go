package transport

import (
	"net"
	"syscall"
	"time"

	"github.com/juju/errors"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

type acceptor struct {
	app   *Application
	ln    net.Listener
	onNew func(*Connection)
}

// loop accepts until the listener is closed. Transient failures (aborted
// handshakes, descriptor or buffer exhaustion) are retried with backoff;
// anything else is a bug and stops the application.
func (acc *acceptor) loop() error {
	var backoff time.Duration
	for {
		netConn, err := acc.ln.Accept()
		if err == nil {
			backoff = 0
			if tcp, ok := netConn.(*net.TCPConn); ok {
				_ = tcp.SetNoDelay(true)
			}
			acc.app.Attach(netConn, acc.onNew)
			continue
		}
		select {
		case <-acc.app.tomb.Dying():
			return nil
		default:
		}
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		if !retryableAccept(err) {
			logger.Errorf("accept on %v failed: %v", acc.ln.Addr(), err)
			return errors.Annotatef(err, "accept on %v", acc.ln.Addr())
		}

		if backoff == 0 {
			backoff = minAcceptBackoff
		} else if backoff *= 2; backoff > maxAcceptBackoff {
			backoff = maxAcceptBackoff
		}
		logger.Warningf("accept on %v: %v; retrying in %v", acc.ln.Addr(), err, backoff)
		select {
		case <-acc.app.tomb.Dying():
			return nil
		case <-acc.app.clock.After(backoff):
		}
	}
}

func retryableAccept(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	for _, errno := range []syscall.Errno{
		syscall.EAGAIN, syscall.EINTR, syscall.ECONNABORTED, syscall.EPROTO,
		syscall.EMFILE, syscall.ENFILE, syscall.ENOBUFS, syscall.ENOMEM,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}
