package reactor

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// fdState tracks the at-most-one read and at-most-one write IOEvent
// currently armed on a given fd, since the underlying pollers register
// interest per fd rather than per event.
type fdState struct {
	read, write *IOEvent
	added       bool
}

// EventBase is the single dispatch loop that arms IOEvents, blocks in the
// OS poller, and invokes callbacks when fds become ready or events time
// out. It is the reactor analogue of libevent's struct event_base and is
// driven by exactly one goroutine (the one running Dispatch); every
// bufev.BufferedEvent bound to it must be driven from that same goroutine.
//
// The only fields touched from other goroutines are postQueue,
// breakRequested and shutdownAt, guarded by mu; everything else (fds,
// timeouts) is owned exclusively by the Dispatch goroutine and carries no
// lock, matching the no-internal-locking model the rest of this module
// follows.
type EventBase struct {
	p    poller
	fds  map[int]*fdState
	wait []readiness

	timeouts timeoutHeap

	wakeR, wakeW int
	wakeBuf      [64]byte

	mu             sync.Mutex
	postQueue      []func()
	breakRequested bool
	shutdownAt     time.Time

	closeOnce sync.Once
}

// New creates an EventBase and its underlying OS poller.
func New() (*EventBase, error) {
	p, err := openPoller()
	if err != nil {
		return nil, err
	}
	r, w, err := newWakePipe()
	if err != nil {
		p.close()
		return nil, err
	}
	if err := p.add(r, true, false); err != nil {
		unix.Close(r)
		unix.Close(w)
		p.close()
		return nil, err
	}
	return &EventBase{
		p:     p,
		fds:   make(map[int]*fdState),
		wakeR: r,
		wakeW: w,
	}, nil
}

// register arms ev (called by IOEvent.Add). Re-arming an already-pending
// event simply refreshes its timeout.
func (b *EventBase) register(ev *IOEvent, timeout time.Duration) error {
	st := b.fds[ev.fd]
	if st == nil {
		st = &fdState{}
		b.fds[ev.fd] = st
	}
	switch ev.interest {
	case Read:
		st.read = ev
	case Write:
		st.write = ev
	}

	r, w := st.read != nil, st.write != nil
	var err error
	if st.added {
		err = b.p.modify(ev.fd, r, w)
	} else {
		err = b.p.add(ev.fd, r, w)
		if err == nil {
			st.added = true
		}
	}
	if err != nil {
		switch ev.interest {
		case Read:
			st.read = nil
		case Write:
			st.write = nil
		}
		if st.read == nil && st.write == nil {
			delete(b.fds, ev.fd)
		}
		return err
	}

	if ev.pending {
		b.timeouts.remove(ev)
	}
	ev.pending = true
	ev.timeout = timeout
	if timeout > 0 {
		ev.deadline = time.Now().Add(timeout)
		b.timeouts.push(ev)
	} else {
		ev.deadline = time.Time{}
		ev.heapIndex = -1
	}
	return nil
}

// remove deregisters ev (called by IOEvent.Del, and internally when a
// timeout or readiness fires).
func (b *EventBase) remove(ev *IOEvent) error {
	if !ev.pending {
		return nil
	}
	ev.pending = false
	b.timeouts.remove(ev)

	st := b.fds[ev.fd]
	if st == nil {
		return nil
	}
	switch ev.interest {
	case Read:
		st.read = nil
	case Write:
		st.write = nil
	}
	r, w := st.read != nil, st.write != nil
	if !r && !w {
		delete(b.fds, ev.fd)
		return b.p.del(ev.fd)
	}
	return b.p.modify(ev.fd, r, w)
}

// Post schedules fn to run on the Dispatch goroutine as soon as it next
// wakes, and wakes it if it is currently blocked in the poller. Safe to
// call from any goroutine.
func (b *EventBase) Post(fn func()) {
	b.mu.Lock()
	b.postQueue = append(b.postQueue, fn)
	b.mu.Unlock()
	b.wake()
}

// Break requests Dispatch return as soon as it next wakes, without waiting
// for a grace period. Safe to call from any goroutine.
func (b *EventBase) Break() {
	b.mu.Lock()
	b.breakRequested = true
	b.mu.Unlock()
	b.wake()
}

// Shutdown requests Dispatch return once grace has elapsed, giving
// in-flight I/O a chance to drain. A grace of 0 behaves like Break. Safe to
// call from any goroutine.
func (b *EventBase) Shutdown(grace time.Duration) {
	deadline := time.Now().Add(grace)
	b.mu.Lock()
	if b.shutdownAt.IsZero() || deadline.Before(b.shutdownAt) {
		b.shutdownAt = deadline
	}
	b.mu.Unlock()
	b.wake()
}

func (b *EventBase) wake() {
	var one [1]byte
	for {
		_, err := unix.Write(b.wakeW, one[:])
		if err == unix.EINTR {
			continue
		}
		// EAGAIN means the pipe is already full of pending wake bytes,
		// which is fine: the reader will still observe readiness.
		return
	}
}

func (b *EventBase) drainWake() {
	for {
		n, err := unix.Read(b.wakeR, b.wakeBuf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (b *EventBase) drainPosted() {
	b.mu.Lock()
	q := b.postQueue
	b.postQueue = nil
	b.mu.Unlock()
	for _, fn := range q {
		fn()
	}
}

func (b *EventBase) computeWait() time.Duration {
	d := time.Duration(-1)
	if b.timeouts.Len() > 0 {
		d = time.Until(b.timeouts[0].deadline)
		if d < 0 {
			d = 0
		}
	}

	b.mu.Lock()
	shutdownAt := b.shutdownAt
	b.mu.Unlock()
	if !shutdownAt.IsZero() {
		sd := time.Until(shutdownAt)
		if sd < 0 {
			sd = 0
		}
		if d < 0 || sd < d {
			d = sd
		}
	}
	return d
}

// Dispatch runs the loop until Break, an elapsed Shutdown deadline, or a
// poller error. It must be called from only one goroutine at a time.
func (b *EventBase) Dispatch() error {
	for {
		b.mu.Lock()
		brk := b.breakRequested
		shutdownAt := b.shutdownAt
		b.mu.Unlock()
		if brk {
			return nil
		}
		if !shutdownAt.IsZero() && !time.Now().Before(shutdownAt) {
			return nil
		}

		var err error
		b.wait, err = b.p.wait(b.wait[:0], b.computeWait())
		if err != nil {
			return err
		}

		now := time.Now()
		for _, rd := range b.wait {
			if rd.fd == b.wakeR {
				b.drainWake()
				continue
			}
			st := b.fds[rd.fd]
			if st == nil {
				continue
			}
			// A readiness firing deregisters the event before its callback
			// runs; the callback re-arms it with Add if it wants more.
			if rd.readable && st.read != nil && st.read.pending {
				ev := st.read
				b.remove(ev)
				ev.cb(false)
			}
			if rd.writable && st.write != nil && st.write.pending {
				ev := st.write
				b.remove(ev)
				ev.cb(false)
			}
		}

		for b.timeouts.Len() > 0 {
			top := b.timeouts[0]
			if now.Before(top.deadline) {
				break
			}
			cb := top.cb
			b.remove(top)
			cb(true)
		}

		b.drainPosted()
	}
}

// Close releases the underlying poller and wake pipe. The EventBase must
// not be dispatched after Close.
func (b *EventBase) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.p.del(b.wakeR)
		unix.Close(b.wakeR)
		unix.Close(b.wakeW)
		err = b.p.close()
	})
	return err
}
