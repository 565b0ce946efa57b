package reactor

import (
	"errors"
	"time"
)

// Interest is the single direction an IOEvent watches. Unlike libevent's
// struct event, which can be a single event_add() call with EV_READ|EV_WRITE
// set together, spec.md models read and write as two independent IoEvents
// per BufferedEvent, so an IOEvent here only ever watches one direction.
type Interest uint8

const (
	Read Interest = iota
	Write
)

// Callback is invoked synchronously on the owning EventBase's Dispatch
// goroutine. timedOut is true iff this invocation is the event's configured
// timeout firing rather than readiness; in that case the event has already
// been deregistered (spec.md §4.6: "Any -> Idle" on timeout, no auto-re-arm).
type Callback func(timedOut bool)

// ErrBaseNotSet is returned by Add when the IOEvent has not been bound to an
// EventBase via Bind.
var ErrBaseNotSet = errors.New("reactor: ioevent has no base set")

// ErrInvalidPriority is returned by SetPriority for a negative priority.
var ErrInvalidPriority = errors.New("reactor: invalid priority")

// IOEvent binds (fd, direction, timeout) to a callback inside an EventBase,
// the Go analogue of libevent's "struct event". It is a one-shot handle in
// the sense that each readiness firing must be explicitly re-armed via Add;
// the callback decides whether to do so.
type IOEvent struct {
	base     *EventBase
	fd       int
	interest Interest
	cb       Callback
	priority int

	// dispatch bookkeeping, owned by EventBase.register/remove.
	timeout   time.Duration
	pending   bool
	deadline  time.Time
	heapIndex int
}

// NewIOEvent creates an unbound IOEvent. Call Bind before Add.
func NewIOEvent(fd int, interest Interest, cb Callback) *IOEvent {
	return &IOEvent{fd: fd, interest: interest, cb: cb, heapIndex: -1}
}

// Bind associates ev with base, first deregistering it from any base it was
// previously armed on (spec.md §5: "Moving between event bases requires
// base_set... first deregister the events").
func (ev *IOEvent) Bind(base *EventBase) error {
	if ev.pending && ev.base != nil {
		if err := ev.base.remove(ev); err != nil {
			return err
		}
	}
	ev.base = base
	return nil
}

// Rebind changes the fd this event watches. The event must not be pending;
// callers deregister first (spec.md's set_fd does this before rebinding).
func (ev *IOEvent) Rebind(fd int) error {
	if ev.pending {
		return errors.New("reactor: cannot rebind fd while pending")
	}
	ev.fd = fd
	return nil
}

// Add arms (or re-arms) the event with the given inactivity timeout (0 for
// none).
func (ev *IOEvent) Add(timeout time.Duration) error {
	if ev.base == nil {
		return ErrBaseNotSet
	}
	return ev.base.register(ev, timeout)
}

// Del deregisters the event. Safe to call when not pending.
func (ev *IOEvent) Del() error {
	if ev.base == nil {
		return nil
	}
	return ev.base.remove(ev)
}

// Pending reports whether the event is currently registered with its base.
func (ev *IOEvent) Pending() bool { return ev.pending }

// FD returns the file descriptor this event watches.
func (ev *IOEvent) FD() int { return ev.fd }

// SetPriority records a scheduling priority for this event. The reactor's
// poller has no priority queues (see DESIGN.md), so this has no effect on
// dispatch order; it only rejects an invalid (negative) value, mirroring
// libevent's event_priority_set failing against an out-of-range priority.
func (ev *IOEvent) SetPriority(p int) error {
	if p < 0 {
		return ErrInvalidPriority
	}
	ev.priority = p
	return nil
}
