package bufev

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrUnsupportedConn is returned by DupFD when its argument does not expose
// a raw file descriptor via SyscallConn.
var ErrUnsupportedConn = errorString("bufev: no SyscallConn support")

type errorString string

func (e errorString) Error() string { return string(e) }

// syscallConner is satisfied by both net.Conn implementations (*net.TCPConn,
// *net.UnixConn, ...) and net.Listener implementations (*net.TCPListener,
// ...); DupFD works on either.
type syscallConner interface {
	SyscallConn() (syscall.RawConn, error)
}

// DupFD duplicates sc's underlying file descriptor and puts the duplicate
// in non-blocking mode, leaving sc itself untouched and still owned by its
// caller (Go's runtime netpoller keeps managing the original; this package
// drives the dup directly through the reactor instead).
//
// Grounded on RTradeLtd-gaio/aio_generic.go's dupconn: Control() on the
// RawConn guarantees the original fd stays valid for the duration of the
// callback, so Dup can't race a close.
func DupFD(sc syscallConner) (fd int, err error) {
	if sc == nil {
		return -1, ErrUnsupportedConn
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}

	var dupfd int
	var dupErr error
	ctrlErr := rc.Control(func(fd uintptr) {
		dupfd, dupErr = syscall.Dup(int(fd))
	})
	if ctrlErr != nil {
		return -1, ctrlErr
	}
	if dupErr != nil {
		return -1, dupErr
	}
	if err := unix.SetNonblock(dupfd, true); err != nil {
		unix.Close(dupfd)
		return -1, err
	}
	return dupfd, nil
}

// setNonblock puts sc's underlying descriptor in non-blocking mode without
// duplicating it, using the same Control-guarded access as DupFD.
func setNonblock(sc syscallConner) error {
	rc, err := sc.SyscallConn()
	if err != nil {
		return err
	}
	var opErr error
	if err := rc.Control(func(fd uintptr) {
		opErr = unix.SetNonblock(int(fd), true)
	}); err != nil {
		return err
	}
	return opErr
}
