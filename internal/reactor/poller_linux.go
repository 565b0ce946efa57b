//go:build linux

package reactor

import (
	"time"

	"golang.org/x/sys/unix"
)

// epollPoller wraps an epoll instance. Grounded on the raw epoll calls the
// gaio lineage uses directly against fds before it grew a dup()-based
// abstraction (other_examples/0cf668b0_435420057-gaio__aio_linux.go.go),
// rewired onto golang.org/x/sys/unix instead of the syscall package per
// SPEC_FULL.md §B.
type epollPoller struct {
	epfd int
}

func openPoller() (poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollPoller{epfd: fd}, nil
}

func interestMask(r, w bool) uint32 {
	var ev uint32
	if r {
		ev |= unix.EPOLLIN
	}
	if w {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (p *epollPoller) add(fd int, r, w bool) error {
	ev := unix.EpollEvent{Events: interestMask(r, w), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (p *epollPoller) modify(fd int, r, w bool) error {
	ev := unix.EpollEvent{Events: interestMask(r, w), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *epollPoller) del(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

func (p *epollPoller) wait(dst []readiness, timeout time.Duration) ([]readiness, error) {
	var buf [128]unix.EpollEvent

	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}

	for {
		n, err := unix.EpollWait(p.epfd, buf[:], ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return dst, err
		}
		for i := 0; i < n; i++ {
			dst = append(dst, readiness{
				fd:       int(buf[i].Fd),
				readable: buf[i].Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0,
				writable: buf[i].Events&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0,
			})
		}
		return dst, nil
	}
}

func (p *epollPoller) close() error {
	return unix.Close(p.epfd)
}
