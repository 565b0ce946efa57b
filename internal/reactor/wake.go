package reactor

import "golang.org/x/sys/unix"

// newWakePipe creates a non-blocking, close-on-exec pipe used only to break
// a blocked poller.wait from another goroutine (EventBase.Post/Break/
// Shutdown). Plain os.Pipe is avoided because calling (*os.File).Fd puts the
// descriptor back into blocking mode for "export", which is exactly the
// opposite of what a self-pipe needs here. unix.Pipe plus an explicit
// SetNonblock/CloseOnExec is used instead of unix.Pipe2, which has no
// kqueue-side equivalent.
func newWakePipe() (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return 0, 0, err
	}
	r, w = fds[0], fds[1]
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(r)
			unix.Close(w)
			return 0, 0, err
		}
		unix.CloseOnExec(fd)
	}
	return r, w, nil
}
