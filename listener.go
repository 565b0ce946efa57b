package bufev

import (
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/coretex-io/bufev/internal/reactor"
)

// AcceptCB is invoked on the owning EventBase's Dispatch goroutine for
// every accepted connection.
type AcceptCB func(l *Listener, conn net.Conn)

// ListenerErrorCB is invoked on an accept error. Returning from it leaves
// the listener closed (mirrors evconnlistener_set_error_cb's interaction
// with listen_error_cb in the original sample: the caller decides whether
// to exit the process, but the listener itself does not keep accepting).
type ListenerErrorCB func(l *Listener, err error)

// Listener is the evconnlistener analogue (SPEC_FULL.md §C.1): it arms a
// read IoEvent on a dup'd copy of ln's fd and, on each readiness firing,
// calls ln.Accept() and hands the result to AcceptCB.
type Listener struct {
	ln          net.Listener
	fd          int
	ev          *reactor.IOEvent
	acceptCB    AcceptCB
	errorCB     ListenerErrorCB
	closeOnFree bool
	closed      bool
}

// NewListener creates a Listener bound to base, watching ln for incoming
// connections. If closeOnFree is set, Close also closes ln (mirroring
// LEV_OPT_CLOSE_ON_FREE).
func NewListener(base *reactor.EventBase, ln net.Listener, acceptCB AcceptCB, errorCB ListenerErrorCB, closeOnFree bool) (*Listener, error) {
	sc, ok := ln.(syscallConner)
	if !ok {
		return nil, errors.Wrap(ErrUnsupportedConn, "bufev: listener dup")
	}
	fd, err := DupFD(sc)
	if err != nil {
		return nil, errors.Wrap(err, "bufev: listener dup")
	}

	l := &Listener{
		ln:          ln,
		fd:          fd,
		acceptCB:    acceptCB,
		errorCB:     errorCB,
		closeOnFree: closeOnFree,
	}
	l.ev = reactor.NewIOEvent(fd, reactor.Read, l.onAcceptable)
	if err := l.ev.Bind(base); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "bufev: listener bind")
	}
	if err := l.ev.Add(0); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "bufev: listener arm")
	}
	return l, nil
}

func (l *Listener) onAcceptable(timedOut bool) {
	if timedOut {
		return
	}

	conn, err := l.ln.Accept()
	if err != nil {
		l.reportError(errors.Wrap(err, "bufev: accept"))
		return
	}

	// The accepted conn is handed to AcceptCB in non-blocking mode
	// (mirroring evconnlistener's making the accepted fd non-blocking
	// before the user callback sees it). A conn with no raw fd is passed
	// through as-is.
	if sc, ok := conn.(syscallConner); ok {
		if err := setNonblock(sc); err != nil {
			conn.Close()
			l.reportError(errors.Wrap(err, "bufev: accept nonblock"))
			return
		}
	}

	// Re-arm before invoking the callback: AcceptCB may synchronously
	// Close this listener, and bookkeeping must finish first (spec.md
	// §9's callback-re-entrancy rule, applied to this collaborator too).
	l.ev.Add(0)
	if l.acceptCB != nil {
		l.acceptCB(l, conn)
	}
}

func (l *Listener) reportError(err error) {
	l.ev.Del()
	if l.errorCB != nil {
		l.errorCB(l, err)
	}
	l.Close()
}

// Close deregisters the listener's event and closes its dup'd fd. If
// CloseOnFree was set, it also closes the underlying net.Listener.
func (l *Listener) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	l.ev.Del()
	unix.Close(l.fd)
	if l.closeOnFree {
		return l.ln.Close()
	}
	return nil
}
