//go:build darwin || netbsd || freebsd || openbsd || dragonfly

package reactor

import (
	"time"

	"golang.org/x/sys/unix"
)

// kqueuePoller wraps a kqueue instance. read/write interest on kqueue is
// two independent filters (EVFILT_READ / EVFILT_WRITE) per fd rather than
// epoll's single combined event mask, so add/modify/del issue up to two
// kevent changes each.
type kqueuePoller struct {
	kq int
}

func openPoller() (poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	return &kqueuePoller{kq: kq}, nil
}

func (p *kqueuePoller) changeFilter(fd int, filter int16, flags uint16) error {
	changes := []unix.Kevent_t{{
		Ident:  uint64(fd),
		Filter: filter,
		Flags:  flags,
	}}
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

func (p *kqueuePoller) add(fd int, r, w bool) error {
	return p.modify(fd, r, w)
}

func (p *kqueuePoller) modify(fd int, r, w bool) error {
	if r {
		if err := p.changeFilter(fd, unix.EVFILT_READ, unix.EV_ADD|unix.EV_ENABLE); err != nil {
			return err
		}
	} else {
		if err := p.changeFilter(fd, unix.EVFILT_READ, unix.EV_DELETE); err != nil {
			return err
		}
	}
	if w {
		if err := p.changeFilter(fd, unix.EVFILT_WRITE, unix.EV_ADD|unix.EV_ENABLE); err != nil {
			return err
		}
	} else {
		if err := p.changeFilter(fd, unix.EVFILT_WRITE, unix.EV_DELETE); err != nil {
			return err
		}
	}
	return nil
}

func (p *kqueuePoller) del(fd int) error {
	_ = p.changeFilter(fd, unix.EVFILT_READ, unix.EV_DELETE)
	_ = p.changeFilter(fd, unix.EVFILT_WRITE, unix.EV_DELETE)
	return nil
}

func (p *kqueuePoller) wait(dst []readiness, timeout time.Duration) ([]readiness, error) {
	var buf [128]unix.Kevent_t

	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}

	for {
		n, err := unix.Kevent(p.kq, nil, buf[:], ts)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return dst, err
		}
		// Coalesce the two filters into one readiness entry per fd: a
		// single descriptor may report both EVFILT_READ and
		// EVFILT_WRITE within one wait() call.
		merged := make(map[int]*readiness, n)
		var order []int
		for i := 0; i < n; i++ {
			fd := int(buf[i].Ident)
			r, ok := merged[fd]
			if !ok {
				r = &readiness{fd: fd}
				merged[fd] = r
				order = append(order, fd)
			}
			switch buf[i].Filter {
			case unix.EVFILT_READ:
				r.readable = true
			case unix.EVFILT_WRITE:
				r.writable = true
			}
			if buf[i].Flags&unix.EV_EOF != 0 {
				r.readable = true
				r.writable = true
			}
		}
		for _, fd := range order {
			dst = append(dst, *merged[fd])
		}
		return dst, nil
	}
}

func (p *kqueuePoller) close() error {
	return unix.Close(p.kq)
}
